package version

import "testing"

func TestGetReportsDefaults(t *testing.T) {
	info := Get()
	if info.BuildVersion != "dev" || info.BuiltAt != "unknown" {
		t.Fatalf("info = %+v", info)
	}
	if info.GoVersion == "" {
		t.Fatal("go version missing from build info")
	}
}
