package store

import (
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestPatchValidate(t *testing.T) {
	var nilNotes *string
	var nilPhotos pq.StringArray
	now := time.Now()

	tests := []struct {
		name    string
		patch   Patch
		wantErr error
	}{
		{"plain values", Patch{"notes": "", "status": "present", "timestamp": now}, nil},
		{"increments", Patch{"present_workers": Inc(1), "attendance_record_ids": Append("r1")}, nil},
		{"empty array", Patch{"photo_refs": pq.StringArray{}}, nil},
		{"nil interface", Patch{"notes": nil}, ErrUnsetValue},
		{"typed nil pointer", Patch{"notes": nilNotes}, ErrUnsetValue},
		{"nil slice", Patch{"photo_refs": nilPhotos}, ErrUnsetValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.patch.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestEmptyPatchRejected(t *testing.T) {
	assert.Error(t, Patch{}.Validate())
}

func TestConflictErrorMatchesSentinel(t *testing.T) {
	err := error(&ConflictError{Constraint: ConstraintActiveTrip})
	assert.True(t, errors.Is(err, ErrConflict))
	var ce *ConflictError
	assert.True(t, errors.As(err, &ce))
	assert.Equal(t, ConstraintActiveTrip, ce.Constraint)
}
