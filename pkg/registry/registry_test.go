package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/appforge/pkg/models"
)

func validDef(id string, deps ...string) StageDefinition {
	return StageDefinition{
		ID:              id,
		Label:           id,
		AllowedStatuses: doneAlphabet,
		Dependencies:    deps,
		Timeout:         time.Minute,
		Retryable:       true,
		Retries:         1,
	}
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name    string
		def     StageDefinition
		wantErr string
	}{
		{
			name:    "valid definition",
			def:     validDef("stage_a"),
			wantErr: "",
		},
		{
			name: "uppercase id rejected",
			def: StageDefinition{
				ID: "StageA", Label: "a", AllowedStatuses: doneAlphabet, Timeout: time.Minute,
			},
			wantErr: "must match",
		},
		{
			name: "missing pending status",
			def: StageDefinition{
				ID: "stage_a", Label: "a", Timeout: time.Minute,
				AllowedStatuses: []models.StageStatus{models.StageStatusRunning, models.StageStatusDone},
			},
			wantErr: `must include "pending"`,
		},
		{
			name: "no completion status",
			def: StageDefinition{
				ID: "stage_a", Label: "a", Timeout: time.Minute,
				AllowedStatuses: []models.StageStatus{models.StageStatusPending, models.StageStatusError},
			},
			wantErr: "completion status",
		},
		{
			name: "timeout below minimum",
			def: StageDefinition{
				ID: "stage_a", Label: "a", AllowedStatuses: doneAlphabet,
				Timeout: 500 * time.Millisecond,
			},
			wantErr: "below the minimum",
		},
		{
			name:    "self dependency rejected",
			def:     validDef("stage_a", "stage_a"),
			wantErr: "cannot depend on itself",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			err := r.Register(tt.def)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			var invalid *InvalidDefinitionError
			require.ErrorAs(t, err, &invalid)
		})
	}
}

func TestRegisterBatchDependencies(t *testing.T) {
	t.Run("in-batch forward reference allowed", func(t *testing.T) {
		r := New()
		// stage_b depends on stage_a declared later in the same batch.
		require.NoError(t, r.Register(validDef("stage_b", "stage_a"), validDef("stage_a")))
	})

	t.Run("unknown dependency rejected", func(t *testing.T) {
		r := New()
		err := r.Register(validDef("stage_b", "missing"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not registered")
	})

	t.Run("cycle rejected", func(t *testing.T) {
		r := New()
		err := r.Register(
			validDef("stage_a", "stage_c"),
			validDef("stage_b", "stage_a"),
			validDef("stage_c", "stage_b"),
		)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cycle")
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		r := New()
		require.NoError(t, r.Register(validDef("stage_a")))
		err := r.Register(validDef("stage_a"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("empty dependency list is legal", func(t *testing.T) {
		r := New()
		require.NoError(t, r.Register(validDef("stage_a")))
	})
}

func TestBuiltinStagesValid(t *testing.T) {
	r, err := NewWithBuiltins()
	require.NoError(t, err)
	assert.Equal(t, 12, r.Len())

	// Every built-in definition must pass validation after normalization.
	for _, def := range BuiltinStages() {
		assert.NoError(t, r.ValidateDefinition(def), "stage %s", def.ID)
	}
}

func TestExecutionPlanOrder(t *testing.T) {
	r, err := NewWithBuiltins()
	require.NoError(t, err)

	plan, err := r.ExecutionPlan()
	require.NoError(t, err)
	require.Len(t, plan, 12)

	position := make(map[string]int, len(plan))
	for i, id := range plan {
		position[id] = i
	}
	for _, def := range r.All() {
		for _, dep := range def.Dependencies {
			assert.Less(t, position[dep], position[def.ID],
				"dependency %s must come before %s", dep, def.ID)
		}
	}
	// The canonical plan is strictly sequential, so the topological order is
	// exactly the registration order.
	assert.Equal(t, "creating_specs", plan[0])
	assert.Equal(t, "deployment_complete", plan[len(plan)-1])
}

func TestCanTransition(t *testing.T) {
	r, err := NewWithBuiltins()
	require.NoError(t, err)

	assert.True(t, r.CanTransition("creating_specs", models.StageStatusPending, models.StageStatusRunning))
	assert.True(t, r.CanTransition("creating_specs", models.StageStatusRunning, models.StageStatusDone))
	// passed is not in creating_specs' alphabet.
	assert.False(t, r.CanTransition("creating_specs", models.StageStatusRunning, models.StageStatusPassed))
	// Terminal statuses cannot transition.
	assert.False(t, r.CanTransition("creating_specs", models.StageStatusDone, models.StageStatusRunning))
	// pending cannot be re-entered.
	assert.False(t, r.CanTransition("creating_specs", models.StageStatusRunning, models.StageStatusPending))
	// Unknown stages never transition.
	assert.False(t, r.CanTransition("nope", models.StageStatusPending, models.StageStatusRunning))
}

func TestValidatePayload(t *testing.T) {
	r, err := NewWithBuiltins()
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload map[string]any
		wantErr string
	}{
		{
			name:    "valid payload",
			payload: map[string]any{"projectName": "Demo", "features": map[string]any{"auth": true}},
		},
		{
			name:    "unknown fields allowed",
			payload: map[string]any{"projectName": "Demo", "extra": 42},
		},
		{
			name:    "required field missing",
			payload: map[string]any{"features": map[string]any{}},
			wantErr: `required field "projectName" is missing`,
		},
		{
			name:    "wrong type",
			payload: map[string]any{"projectName": 7},
			wantErr: "must be a string",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ValidatePayload("creating_specs", tt.payload)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestPayloadSchemaConstraints(t *testing.T) {
	min, max := 1.0, 10.0
	minLen, maxLen := 2, 4
	items := FieldString
	schema := PayloadSchema{
		"count": {Type: FieldNumber, Min: &min, Max: &max},
		"tag":   {Type: FieldString, MinLength: &minLen, MaxLength: &maxLen, Pattern: "^[a-z]+$"},
		"mode":  {Type: FieldString, Enum: []any{"fast", "safe"}},
		"list":  {Type: FieldArray, Items: &items},
		"flag":  {Type: FieldBoolean},
	}
	require.NoError(t, schema.validate())

	assert.NoError(t, schema.Check(map[string]any{
		"count": 5.0, "tag": "abc", "mode": "fast", "list": []any{"x"}, "flag": true,
	}))
	assert.Error(t, schema.Check(map[string]any{"count": 11.0}))
	assert.Error(t, schema.Check(map[string]any{"tag": "ABC"}))
	assert.Error(t, schema.Check(map[string]any{"tag": "a"}))
	assert.Error(t, schema.Check(map[string]any{"mode": "slow"}))
	assert.Error(t, schema.Check(map[string]any{"list": []any{1.0}}))
	assert.Error(t, schema.Check(map[string]any{"flag": "yes"}))
}

func TestInstanceFor(t *testing.T) {
	r, err := NewWithBuiltins()
	require.NoError(t, err)

	inst, err := r.InstanceFor("coding_file")
	require.NoError(t, err)
	assert.Equal(t, "coding_file", inst.StageID)
	assert.Equal(t, models.StageStatusPending, inst.Status)
	assert.Zero(t, inst.Attempts)

	_, err = r.InstanceFor("unknown")
	assert.Error(t, err)
}

func TestNormalizeDefaults(t *testing.T) {
	d := StageDefinition{ID: "x", Label: "x", AllowedStatuses: doneAlphabet}
	n := d.Normalize()
	assert.Equal(t, DefaultStageTimeout, n.Timeout)

	multi := StageDefinition{
		ID: "y", Label: "y", AllowedStatuses: doneAlphabet,
		SupportsMultipleEvents: true, Timeout: 10 * time.Second,
	}
	// Normalization does not silently raise an explicit timeout; validation
	// rejects it instead.
	normalized := multi.Normalize()
	errs := normalized.validateShape()
	require.NotEmpty(t, errs)
}

func TestSealedRegistryRejectsRegistration(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(validDef("stage_a")))
	r.Seal()
	assert.Error(t, r.Register(validDef("stage_b")))
}
