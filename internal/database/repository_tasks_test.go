package database

import "testing"

func TestNextTaskStatus(t *testing.T) {
	tests := []struct {
		tries int
		want  string
	}{
		{1, TaskPending},
		{2, TaskPending},
		{3, TaskError},
		{4, TaskError},
	}
	for _, tt := range tests {
		if got := NextTaskStatus(tt.tries); got != tt.want {
			t.Errorf("NextTaskStatus(%d) = %q, want %q", tt.tries, got, tt.want)
		}
	}
}
