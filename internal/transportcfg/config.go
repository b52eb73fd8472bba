// Package transportcfg holds the transport's configurable options,
// loadable from YAML straight into the tagged Options struct.
package transportcfg

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/YaoZengzeng/pgm/internal/pgmerr"
)

// Options holds every recognised transport setting. A transport takes its
// Options once, in Create; it has no setters that change them afterwards.
type Options struct {
	MaxTPDU int `yaml:"max_tpdu"`

	TxwSqns         uint32 `yaml:"txw_sqns"`
	TxwSecs         uint32 `yaml:"txw_secs"`
	TxwMaxRteBytes  uint32 `yaml:"txw_max_rte"`
	RxwSqns         uint32 `yaml:"rxw_sqns"`

	Hops int `yaml:"hops"`

	PeerExpiry time.Duration `yaml:"peer_expiry"`
	SpmrExpiry time.Duration `yaml:"spmr_expiry"`

	NakBackoffIvl  time.Duration `yaml:"nak_bo_ivl"`
	NakRptIvl      time.Duration `yaml:"nak_rpt_ivl"`
	NakRdataIvl    time.Duration `yaml:"nak_rdata_ivl"`
	NakDataRetries int           `yaml:"nak_data_retries"`
	NakNcfRetries  int           `yaml:"nak_ncf_retries"`

	MulticastLoop bool `yaml:"multicast_loop"`
	Nonblocking   bool `yaml:"nonblocking"`
}

// Defaults returns the option set a fresh transport starts from: modest
// window sizes, millisecond-scale NAK timers.
func Defaults() Options {
	return Options{
		MaxTPDU:        1500,
		TxwSqns:        1024,
		RxwSqns:        1024,
		Hops:           16,
		PeerExpiry:     5 * time.Minute,
		SpmrExpiry:     250 * time.Millisecond,
		NakBackoffIvl:  50 * time.Millisecond,
		NakRptIvl:      200 * time.Millisecond,
		NakRdataIvl:    500 * time.Millisecond,
		NakDataRetries: 5,
		NakNcfRetries:  2,
		MulticastLoop:  false,
		Nonblocking:    false,
	}
}

// Load reads and merges YAML options from path onto Defaults().
func Load(path string) (Options, error) {
	opts := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, err
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, err
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Validate enforces the exactly-one-of TXW sizing rule and basic option
// sanity, returning pgmerr.ErrInvalidOption (kind CONFIG) on failure.
func (o Options) Validate() error {
	if o.MaxTPDU <= 0 {
		return pgmerr.ErrInvalidOption
	}
	sqnsSet := o.TxwSqns > 0
	rateSet := o.TxwSecs > 0 && o.TxwMaxRteBytes > 0
	if sqnsSet == rateSet {
		// Either both unset or both set: ambiguous or empty sizing.
		return pgmerr.ErrInvalidOption
	}
	if o.RxwSqns == 0 {
		return pgmerr.ErrInvalidOption
	}
	if o.NakDataRetries <= 0 || o.NakNcfRetries <= 0 {
		return pgmerr.ErrInvalidOption
	}
	return nil
}
