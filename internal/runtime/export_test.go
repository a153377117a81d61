package runtime

import (
	"slices"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

func TestManifestGCLabels(t *testing.T) {
	m := ocispec.Manifest{
		Config: ocispec.Descriptor{
			Digest: digest.FromString("config"),
		},
		Layers: []ocispec.Descriptor{
			{Digest: digest.FromString("layer0")},
			{Digest: digest.FromString("layer1")},
		},
	}

	labels := manifestGCLabels(m)

	configLabel := labels["containerd.io/gc.ref.content.config"]
	if configLabel != m.Config.Digest.String() {
		t.Fatalf("config label = %q, want %q", configLabel, m.Config.Digest.String())
	}

	for i, layer := range m.Layers {
		key := "containerd.io/gc.ref.content.l." + string(rune('0'+i))
		got := labels[key]
		if got != layer.Digest.String() {
			t.Fatalf("labels[%q] = %q, want %q", key, got, layer.Digest.String())
		}
	}

	if len(labels) != 3 {
		t.Fatalf("len(labels) = %d, want 3", len(labels))
	}
}

func TestManifestGCLabelsNoLayers(t *testing.T) {
	m := ocispec.Manifest{
		Config: ocispec.Descriptor{
			Digest: digest.FromString("config-only"),
		},
	}

	labels := manifestGCLabels(m)
	if len(labels) != 1 {
		t.Fatalf("len(labels) = %d, want 1", len(labels))
	}
	if labels["containerd.io/gc.ref.content.config"] != m.Config.Digest.String() {
		t.Fatal("config label mismatch")
	}
}

func TestApplyImageConfig(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	img := ocispec.Image{
		Config: ocispec.ImageConfig{
			Env:          []string{"PATH=/usr/local/bin:/usr/bin", "LANG=C.UTF-8"},
			Cmd:          []string{"python3"},
			ExposedPorts: map[string]struct{}{"9999/tcp": {}},
			Labels:       map[string]string{"base": "python"},
		},
		History: []ocispec.History{{CreatedBy: "base"}},
	}

	applyImageConfig(&img, ImageConfig{
		User:         "1000:1000",
		WorkingDir:   "/home/app/service",
		Env:          map[string]string{"PYTHONUNBUFFERED": "1"},
		PathPrepend:  []string{"/app/.venv/bin"},
		ExposedPorts: []string{"8000/tcp"},
		Cmd:          []string{"uvicorn", "main:app"},
		Labels:       map[string]string{"org.opencontainers.image.title": "svc"},
		Created:      created,
	})

	c := img.Config
	if c.User != "1000:1000" {
		t.Errorf("User = %q, want 1000:1000", c.User)
	}
	if c.WorkingDir != "/home/app/service" {
		t.Errorf("WorkingDir = %q", c.WorkingDir)
	}
	if !slices.Contains(c.Env, "PATH=/app/.venv/bin:/usr/local/bin:/usr/bin") {
		t.Errorf("Env = %v, want venv bin first in PATH", c.Env)
	}
	if !slices.Contains(c.Env, "PYTHONUNBUFFERED=1") || !slices.Contains(c.Env, "LANG=C.UTF-8") {
		t.Errorf("Env = %v, want base and added variables", c.Env)
	}
	if _, ok := c.ExposedPorts["8000/tcp"]; !ok || len(c.ExposedPorts) != 1 {
		t.Errorf("ExposedPorts = %v, want only 8000/tcp", c.ExposedPorts)
	}
	if len(c.Entrypoint) != 0 {
		t.Errorf("Entrypoint = %v, want cleared", c.Entrypoint)
	}
	if !slices.Equal(c.Cmd, []string{"uvicorn", "main:app"}) {
		t.Errorf("Cmd = %v", c.Cmd)
	}
	if c.Labels["base"] != "python" || c.Labels["org.opencontainers.image.title"] != "svc" {
		t.Errorf("Labels = %v, want merged", c.Labels)
	}
	if img.Created == nil || !img.Created.Equal(created) {
		t.Errorf("Created = %v, want %v", img.Created, created)
	}
	if len(img.History) != 2 {
		t.Errorf("len(History) = %d, want 2", len(img.History))
	}
}

func TestPrependPath(t *testing.T) {
	tests := []struct {
		name string
		env  []string
		dirs []string
		want string
	}{
		{
			name: "existing path",
			env:  []string{"PATH=/usr/bin:/bin"},
			dirs: []string{"/app/.venv/bin"},
			want: "PATH=/app/.venv/bin:/usr/bin:/bin",
		},
		{
			name: "duplicate moved to front",
			env:  []string{"PATH=/usr/bin:/app/.venv/bin"},
			dirs: []string{"/app/.venv/bin"},
			want: "PATH=/app/.venv/bin:/usr/bin",
		},
		{
			name: "missing path uses default",
			env:  []string{"LANG=C"},
			dirs: []string{"/app/.venv/bin"},
			want: "PATH=/app/.venv/bin:" + defaultPath,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := prependPath(tt.env, tt.dirs)
			if !slices.Contains(got, tt.want) {
				t.Fatalf("env = %v, want %q", got, tt.want)
			}
		})
	}
}
