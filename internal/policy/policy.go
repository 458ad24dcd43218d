// Package policy loads the rate limit policy document: per-profile overrides
// and reputation seed lists, written in YAML.
//
//	profiles:
//	  auth:
//	    window: 10m
//	    max_requests: 3
//	    blacklist: ["203.0.113.66"]
//	trusted: ["10.0.0.5"]
//
// A document comes from a local file or from a release published to S3
// whose digest is pinned in SSM (see LoadRemote).
package policy

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/weanime/weanime-gateway/internal/httpmw"
	"github.com/weanime/weanime-gateway/internal/ratelimit"
	"github.com/weanime/weanime-gateway/internal/xerrors"
)

// Document is the parsed policy.
type Document struct {
	Profiles   map[string]*Profile `yaml:"profiles" validate:"dive,keys,oneof=api auth search streaming monitoring,endkeys,required"`
	Trusted    []string            `yaml:"trusted" validate:"dive,required,max=128,ip|eq=unknown"`
	Suspicious []string            `yaml:"suspicious" validate:"dive,required,max=128,ip|eq=unknown"`
}

// Profile overrides one named profile. Zero fields keep the built-in value.
type Profile struct {
	Window      time.Duration `yaml:"window" validate:"omitempty,min=1s,max=24h"`
	MaxRequests int           `yaml:"max_requests" validate:"omitempty,min=1,max=1000000"`
	Whitelist   []string      `yaml:"whitelist" validate:"dive,required,max=128,ip|eq=unknown"`
	Blacklist   []string      `yaml:"blacklist" validate:"dive,required,max=128,ip|eq=unknown"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report yaml names in errors
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Parse decodes and validates a policy document. Unknown fields are errors.
func Parse(data []byte) (*Document, error) {
	var d Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil && !xerrors.Is(err, io.EOF) {
		return nil, xerrors.Wrap(err, "policy: decode yaml")
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *Document) Validate() error {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if !xerrors.As(err, &verrs) {
			return xerrors.Wrap(err, "policy: validate")
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fieldMessage(fe))
		}
		return xerrors.Newf("policy: invalid document: %s", strings.Join(msgs, "; "))
	}

	var errs []error
	for name, p := range d.Profiles {
		black := map[string]struct{}{}
		for _, k := range canonicalKeys(p.Blacklist) {
			black[k] = struct{}{}
		}
		for _, k := range canonicalKeys(p.Whitelist) {
			if _, ok := black[k]; ok {
				errs = append(errs, xerrors.Newf("policy: profile %s lists %q in both whitelist and blacklist", name, k))
			}
		}
	}
	if len(errs) > 0 {
		return xerrors.Join(errs...)
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", ns)
	case "oneof":
		return fmt.Sprintf("%s: unknown profile %v (want one of %s)", ns, fe.Value(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", ns, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", ns, fe.Param())
	case "ip|eq=unknown":
		return fmt.Sprintf("%s: %q is not an IP address or \"unknown\"", ns, fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation", ns, fe.Tag())
	}
}

// Apply returns base with the document's overrides merged in. base is not
// modified. List entries are appended to the built-in lists in the same
// canonical form client keys take, so "2001:DB8::1" matches "2001:db8::1".
func (d *Document) Apply(base []ratelimit.Config) []ratelimit.Config {
	out := make([]ratelimit.Config, len(base))
	for i, c := range base {
		c.Whitelist = append([]string(nil), c.Whitelist...)
		c.Blacklist = append([]string(nil), c.Blacklist...)
		if p := d.Profiles[c.Name]; p != nil {
			if p.Window > 0 {
				c.Window = p.Window
			}
			if p.MaxRequests > 0 {
				c.MaxRequests = p.MaxRequests
			}
			c.Whitelist = append(c.Whitelist, canonicalKeys(p.Whitelist)...)
			c.Blacklist = append(c.Blacklist, canonicalKeys(p.Blacklist)...)
		}
		out[i] = c
	}
	return out
}

// Seed marks the document's trusted and suspicious keys in rep.
func (d *Document) Seed(rep *ratelimit.Reputation) {
	for _, k := range canonicalKeys(d.Trusted) {
		rep.MarkTrusted(k)
	}
	for _, k := range canonicalKeys(d.Suspicious) {
		rep.MarkSuspicious(k)
	}
}

// canonicalKeys normalizes entries and drops any that could never match a
// client key. Parse has already rejected those.
func canonicalKeys(in []string) []string {
	out := make([]string, 0, len(in))
	for _, k := range in {
		if c, ok := httpmw.CanonicalKey(k); ok {
			out = append(out, c)
		}
	}
	return out
}
