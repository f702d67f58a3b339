package manager

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/loykin/servisor/internal/errs"
	"github.com/loykin/servisor/internal/health"
	"github.com/loykin/servisor/internal/process"
)

// Descriptor is the static definition of one supervised service.
type Descriptor struct {
	Spec           process.Spec
	Health         *health.Check
	StartupTimeout time.Duration
	// IsBase marks a mandatory service; its failure aborts StartAll.
	IsBase   bool
	Host     string
	Port     int
	Register bool
}

func (d Descriptor) Name() string { return d.Spec.Name }

// HasHealth reports whether readiness is decided by probing.
func (d Descriptor) HasHealth() bool { return d.Health != nil && d.Health.URL != "" }

func (d Descriptor) Validate() error {
	var problems []error
	if err := d.Spec.Validate(); err != nil {
		if d.Name() != "" {
			err = fmt.Errorf("%s: %w", d.Name(), err)
		}
		problems = append(problems, err)
	}
	if d.StartupTimeout < 0 {
		problems = append(problems, fmt.Errorf("%s: startup_timeout must not be negative", d.Name()))
	}
	if d.Port < 0 || d.Port > 65535 {
		problems = append(problems, fmt.Errorf("%s: port %d out of range", d.Name(), d.Port))
	}
	if d.HasHealth() {
		u, err := url.Parse(d.Health.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, fmt.Errorf("%s: health url %q must be an absolute http(s) url", d.Name(), d.Health.URL))
		}
		if s := d.Health.ExpectedStatus; s != 0 && (s < 100 || s > 599) {
			problems = append(problems, fmt.Errorf("%s: expected_status %d out of range", d.Name(), s))
		}
		if d.Health.Timeout < 0 {
			problems = append(problems, fmt.Errorf("%s: health timeout must not be negative", d.Name()))
		}
	}
	return errors.Join(problems...)
}

// ValidateAll checks every descriptor and name uniqueness. The result, if
// any, is an errs.ErrConfig.
func ValidateAll(ds []Descriptor) error {
	var problems []error
	seen := make(map[string]bool, len(ds))
	for _, d := range ds {
		if err := d.Validate(); err != nil {
			problems = append(problems, err)
		}
		if n := d.Name(); n != "" {
			if seen[n] {
				problems = append(problems, fmt.Errorf("duplicate service name %q", n))
			}
			seen[n] = true
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return errs.Config(errors.Join(problems...))
}
