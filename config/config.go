// Package config defines devourer's process-scoped configuration:
// environment-backed process constants and the per-customer
// integration handle that replaces the Python original's
// metaclass-based Singleton with explicit construction and passing
// (spec §9).
package config

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/juju/errors"
)

// envString reads name from the environment, falling back to def.
func envString(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Process holds the ambient process configuration, read once at
// startup from the environment (matching the teacher stack's
// envvar-first config convention).
type Process struct {
	Debug bool

	RedisAddr string
	RedisDB   int

	BusTopic string

	// BitwerxPollInterval is how often the Bitwerx download-request
	// poller checks for completion (spec §9 open question — the Python
	// original hardcoded 10s via asyncio.sleep; made configurable here).
	BitwerxPollInterval time.Duration
	// BitwerxTimeout bounds the overall poll loop (spec: BITWERX_TIMEOUT).
	BitwerxTimeout time.Duration
}

// LoadProcess reads Process fields from the environment, applying the
// same defaults the Python config.py used.
func LoadProcess() Process {
	return Process{
		Debug:               envBool("DEBUG", false),
		RedisAddr:           envString("REDIS_HOST", "127.0.0.1") + ":" + strconv.Itoa(envInt("REDIS_PORT", 6379)),
		RedisDB:             envInt("REDIS_DB", 1),
		BusTopic:            envString("BUS_TOPIC", ""),
		BitwerxPollInterval: time.Duration(envInt("BITWERX_POLL_INTERVAL_SECONDS", 10)) * time.Second,
		BitwerxTimeout:      time.Duration(envInt("BITWERX_TIMEOUT_SECONDS", 5*60)) * time.Second,
	}
}

// SecretBackend is the external collaborator customer secrets (API
// keys, DB DSNs) are read from (spec §6), replacing
// utils/secret_manager.py's direct Google Secret Manager client.
type SecretBackend interface {
	Get(ctx context.Context, name string) ([]byte, error)
}

// HubSpotObject is one entry of a customer's HubSpot integration
// config (spec §5 supplemented feature): the set of properties synced,
// the field used both to sort and to filter incremental fetches, and
// its priority in the per-customer fetch order (lower runs first).
type HubSpotObject struct {
	Properties     []string
	LastUpdateField string
	Priority       int
}

// HubSpotIntegration is a customer's HubSpot config block.
type HubSpotIntegration struct {
	APIKey  string
	Objects map[string]HubSpotObject
}

// BitwerxIntegration is a customer's Bitwerx config block.
type BitwerxIntegration struct {
	Username   string
	Password   string
	PracticeID string
}

// VetSuccessIntegration is a customer's VetSuccess DB config block.
type VetSuccessIntegration struct {
	DSN string
}

// Customer is one entry of the CUSTOMERS config map (spec §3).
type Customer struct {
	Name string

	HubSpot    *HubSpotIntegration
	Bitwerx    *BitwerxIntegration
	VetSuccess *VetSuccessIntegration
}

// HasHubSpot reports whether this customer has a HubSpot integration
// configured, mirroring has_integration.
func (c Customer) HasHubSpot() bool { return c.HubSpot != nil }

// HasBitwerx reports whether this customer has a Bitwerx integration.
func (c Customer) HasBitwerx() bool { return c.Bitwerx != nil }

// HasVetSuccess reports whether this customer has a VetSuccess integration.
func (c Customer) HasVetSuccess() bool { return c.VetSuccess != nil }

// CustomerConfig is the process-scoped handle over every configured
// customer, built once at startup and passed explicitly to whatever
// needs it — no package-level singleton (spec §9).
type CustomerConfig struct {
	customers map[string]Customer
}

// NewCustomerConfig builds a handle from an already-decoded customer
// map (typically produced by decoding a SecretBackend payload with
// gopkg.in/yaml.v3, see ParseCustomers).
func NewCustomerConfig(customers map[string]Customer) *CustomerConfig {
	return &CustomerConfig{customers: customers}
}

// Get returns the named customer's config.
func (c *CustomerConfig) Get(name string) (Customer, error) {
	cust, ok := c.customers[name]
	if !ok {
		return Customer{}, errors.NotFoundf("customer %q", name)
	}
	return cust, nil
}

// WithHubSpot returns every (name, Customer) pair that has a HubSpot
// integration configured, matching get_customers_with_integration.
func (c *CustomerConfig) WithHubSpot() []NamedCustomer {
	return filterCustomers(c.customers, Customer.HasHubSpot)
}

// WithBitwerx returns every (name, Customer) pair that has a Bitwerx
// integration configured.
func (c *CustomerConfig) WithBitwerx() []NamedCustomer {
	return filterCustomers(c.customers, Customer.HasBitwerx)
}

// WithVetSuccess returns every (name, Customer) pair that has a
// VetSuccess integration configured.
func (c *CustomerConfig) WithVetSuccess() []NamedCustomer {
	return filterCustomers(c.customers, Customer.HasVetSuccess)
}

// NamedCustomer pairs a customer's config with its lookup name.
type NamedCustomer struct {
	Name     string
	Customer Customer
}

func filterCustomers(customers map[string]Customer, pred func(Customer) bool) []NamedCustomer {
	var out []NamedCustomer
	for name, cust := range customers {
		if pred(cust) {
			out = append(out, NamedCustomer{Name: name, Customer: cust})
		}
	}
	return out
}
