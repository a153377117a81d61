package recipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validRecipe() *Recipe {
	return &Recipe{
		Stages: []Stage{
			{Name: "build", From: "alpine", Transient: true, Steps: []Step{{Run: "true"}}},
			{Name: "final", From: "alpine", Steps: []Step{{Copy: "build:/out /out", Chown: "1000:1000"}}},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Recipe)
	}{
		{"no stages", func(r *Recipe) { r.Stages = nil }},
		{"duplicate name", func(r *Recipe) { r.Stages[1].Name = "build" }},
		{"missing name", func(r *Recipe) { r.Stages[0].Name = "" }},
		{"missing base", func(r *Recipe) { r.Stages[0].From = "" }},
		{"no exported stage", func(r *Recipe) { r.Stages[1].Transient = true }},
		{"two exported stages", func(r *Recipe) { r.Stages[0].Transient = false }},
		{"copy from later stage", func(r *Recipe) {
			r.Stages[0].Steps = []Step{{Copy: "final:/x /x"}}
		}},
		{"copy from unknown stage", func(r *Recipe) {
			r.Stages[1].Steps = []Step{{Copy: "nope:/x /x"}}
		}},
		{"run and copy", func(r *Recipe) {
			r.Stages[0].Steps = []Step{{Run: "true", Copy: "a /a"}}
		}},
		{"operation with children", func(r *Recipe) {
			r.Stages[0].Steps = []Step{{Run: "true", Steps: []Step{{Run: "true"}}}}
		}},
		{"chown without copy", func(r *Recipe) {
			r.Stages[0].Steps = []Step{{Run: "true", Chown: "1:1"}}
		}},
		{"symbolic chown", func(r *Recipe) { r.Stages[1].Steps[0].Chown = "app:app" }},
		{"symbolic user", func(r *Recipe) { r.Stages[1].Steps = []Step{{User: "app"}} }},
		{"snapshot without steps", func(r *Recipe) {
			r.Stages[0].Steps = []Step{{Snapshot: &Snapshot{Key: "k", Path: "/p"}}}
		}},
		{"snapshot relative path", func(r *Recipe) {
			r.Stages[0].Steps = []Step{{Snapshot: &Snapshot{Key: "k", Path: "p"}, Steps: []Step{{Run: "true"}}}}
		}},
		{"unknown phase", func(r *Recipe) { r.Stages[0].Steps[0].Phase = "deploy" }},
		{"nested malformed copy", func(r *Recipe) {
			r.Stages[0].Steps = []Step{{Steps: []Step{{Copy: "only-one-token"}}}}
		}},
		{"relative mount target", func(r *Recipe) {
			r.Stages[0].Mounts = []Mount{{Source: "/cache", Target: "cache"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRecipe()
			tt.mutate(r)
			assert.ErrorIs(t, r.Validate(), ErrInvalid)
		})
	}

	assert.NoError(t, validRecipe().Validate())
}

func TestFinal(t *testing.T) {
	r := validRecipe()
	assert.Equal(t, "final", r.Final().Name)

	r.Stages[1].Transient = true
	assert.Nil(t, r.Final())
}
