package transportcfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/YaoZengzeng/pgm/internal/pgmerr"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("Defaults().Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsInvalidOptions(t *testing.T) {
	for _, test := range []struct {
		name string
		mod  func(*Options)
	}{
		{"neither-sizing-set", func(o *Options) { o.TxwSqns = 0 }},
		{"both-sizing-set", func(o *Options) { o.TxwSecs = 1; o.TxwMaxRteBytes = 1 }},
		{"zero-rxw-sqns", func(o *Options) { o.RxwSqns = 0 }},
		{"zero-max-tpdu", func(o *Options) { o.MaxTPDU = 0 }},
		{"zero-nak-data-retries", func(o *Options) { o.NakDataRetries = 0 }},
	} {
		t.Run(test.name, func(t *testing.T) {
			o := Defaults()
			test.mod(&o)
			if err := o.Validate(); err != pgmerr.ErrInvalidOption {
				t.Fatalf("Validate() = %v, want ErrInvalidOption", err)
			}
		})
	}
}

func TestLoadMergesOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pgm.yaml")
	const yamlBody = "max_tpdu: 9000\nnak_bo_ivl: 10ms\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatal(err)
	}

	opts, err := Load(path)
	if err != nil {
		t.Fatalf("Load() err = %v", err)
	}
	if opts.MaxTPDU != 9000 {
		t.Errorf("MaxTPDU = %d, want 9000", opts.MaxTPDU)
	}
	if opts.NakBackoffIvl != 10*time.Millisecond {
		t.Errorf("NakBackoffIvl = %v, want 10ms", opts.NakBackoffIvl)
	}
	// Untouched fields keep their Defaults() value.
	if opts.RxwSqns != Defaults().RxwSqns {
		t.Errorf("RxwSqns = %d, want default %d", opts.RxwSqns, Defaults().RxwSqns)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() of a missing file: want error, got nil")
	}
}
