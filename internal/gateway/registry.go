package gateway

import (
	"fmt"
	"sort"
)

// Config selects the driver used for new orders
type Config struct {
	Active string `envconfig:"GATEWAY_ACTIVE" default:"stripe"`
}

// Registry holds every configured driver keyed by code.
// Existing orders are always resolved through ByCode so that switching the
// active driver never strands orders started on another provider.
type Registry struct {
	drivers map[string]Driver
	active  string
}

// NewRegistry registers drivers and checks that the active code is among them
func NewRegistry(active string, drivers ...Driver) (*Registry, error) {
	r := &Registry{drivers: make(map[string]Driver, len(drivers)), active: active}
	for _, d := range drivers {
		if _, dup := r.drivers[d.Code()]; dup {
			return nil, fmt.Errorf("duplicate gateway driver %q", d.Code())
		}
		r.drivers[d.Code()] = d
	}
	if _, ok := r.drivers[active]; !ok {
		return nil, fmt.Errorf("active gateway %q: %w", active, ErrUnknownDriver)
	}
	return r, nil
}

// Resolve returns the driver that should handle a new charge for recipientID.
// Every recipient currently routes to the active driver.
func (r *Registry) Resolve(recipientID string) Driver {
	return r.drivers[r.active]
}

// ByCode returns the driver registered under code, or nil
func (r *Registry) ByCode(code string) Driver {
	return r.drivers[code]
}

// Webhooks returns the webhook capability of the driver registered under code
func (r *Registry) Webhooks(code string) (WebhookParser, bool) {
	d, ok := r.drivers[code]
	if !ok {
		return nil, false
	}
	p, ok := d.(WebhookParser)
	return p, ok
}

// Codes lists registered driver codes in stable order
func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.drivers))
	for c := range r.drivers {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}
