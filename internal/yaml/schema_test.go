package yaml

import "testing"

func TestValidateSchemaHeaderFromBytes(t *testing.T) {
	cases := []struct {
		name     string
		content  string
		expected string
		wantErr  bool
	}{
		{"valid", "schema_version: 1\nfile_type: story_graph\n", "story_graph", false},
		{"valid_any_expected", "schema_version: 1\nfile_type: job_queue\n", "", false},
		{"zero_version", "schema_version: 0\nfile_type: story_graph\n", "", true},
		{"future_version", "schema_version: 99\nfile_type: story_graph\n", "", true},
		{"missing_file_type", "schema_version: 1\n", "", true},
		{"unknown_file_type", "schema_version: 1\nfile_type: mystery\n", "", true},
		{"type_mismatch", "schema_version: 1\nfile_type: story_graph\n", "job_queue", true},
		{"not_yaml", "::::", "", true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := ValidateSchemaHeaderFromBytes([]byte(c.content), c.expected)
			if c.wantErr && err == nil {
				t.Errorf("want error, got nil")
			}
			if !c.wantErr && err != nil {
				t.Errorf("want nil, got %v", err)
			}
		})
	}
}
