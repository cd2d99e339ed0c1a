package config

import (
	"os"
	"path/filepath"
	"testing"
)

// FuzzLoad feeds arbitrary TOML to Load; it must return an error or a
// validated config, never panic.
func FuzzLoad(f *testing.F) {
	seeds := []string{
		"",
		"[server]\nlisten = \":9000\"\n",
		"env = [\"A=1\", \"B=2\"]\n",
		"[strategies]\npmm = \"img:1\"\n",
		"[lifecycle]\nstartup_timeout = \"bogus\"\n",
		"[broker]\ntype = 3\n",
		"env = [\"=\"]\n",
		"[[server]]\n",
	}
	for _, s := range seeds {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, data string) {
		dir := t.TempDir()
		p := filepath.Join(dir, "fuzz.toml")
		if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		c, err := Load(p)
		if err != nil {
			return
		}
		if verr := c.Validate(); verr != nil {
			t.Fatalf("Load returned a config that fails validation: %v", verr)
		}
	})
}
