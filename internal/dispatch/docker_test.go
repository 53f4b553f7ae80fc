package dispatch

import "testing"

func TestSanitizeContainerName(t *testing.T) {
	tests := map[string]string{
		"job-1":        "job-1",
		"job/1:alpha":  "job-1-alpha",
		"job 1":        "job-1",
		"job_1.beta":   "job_1-beta",
	}
	for in, want := range tests {
		if got := sanitizeContainerName(in); got != want {
			t.Errorf("sanitizeContainerName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewDockerBackend_Defaults(t *testing.T) {
	b, err := NewDockerBackend("", "", "")
	if err != nil {
		t.Fatalf("NewDockerBackend() error = %v", err)
	}
	if b.image != "branchmind-runner:latest" {
		t.Errorf("default image = %q", b.image)
	}
	if b.workDir != "/workspace" {
		t.Errorf("default workDir = %q", b.workDir)
	}
	if b.Name() != "docker" {
		t.Errorf("Name() = %q, want docker", b.Name())
	}
}
