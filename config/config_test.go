package config_test

import (
	"testing"

	jujutesting "github.com/juju/testing"
	gc "gopkg.in/check.v1"

	"github.com/VetIntegrations/devourer/config"
)

func Test(t *testing.T) { gc.TestingT(t) }

// suite embeds IsolationSuite so tests that patch process environment
// variables (TestLoadProcessReadsOverrides) get them restored
// automatically, matching the teacher's env-patching test idiom (e.g.
// agent/mongo's use of s.PatchEnvironment).
type suite struct {
	jujutesting.IsolationSuite
}

var _ = gc.Suite(&suite{})

const fixtureYAML = `
customers:
  rarebreed:
    name: Rarebreed
    integrations:
      hubspot:
        apikey: secret-key
        objects:
          deals:
            properties: ["amount", "dealname"]
            last_update_field: hs_lastmodifieddate
            priority: 0
          contacts:
            properties: ["email"]
            last_update_field: lastmodifieddate
            priority: 1
      bitwerx:
        username: bw-user
        password: bw-pass
        practice_id: "1234|1"
`

func (s *suite) TestParseCustomersDecodesIntegrations(c *gc.C) {
	customers, err := config.ParseCustomers([]byte(fixtureYAML))
	c.Assert(err, gc.IsNil)

	cfg := config.NewCustomerConfig(customers)
	cust, err := cfg.Get("rarebreed")
	c.Assert(err, gc.IsNil)
	c.Assert(cust.Name, gc.Equals, "Rarebreed")
	c.Assert(cust.HasHubSpot(), gc.Equals, true)
	c.Assert(cust.HasBitwerx(), gc.Equals, true)
	c.Assert(cust.HasVetSuccess(), gc.Equals, false)

	deals, ok := cust.HubSpot.Objects["deals"]
	c.Assert(ok, gc.Equals, true)
	c.Assert(deals.LastUpdateField, gc.Equals, "hs_lastmodifieddate")
	c.Assert(deals.Priority, gc.Equals, 0)
}

func (s *suite) TestGetUnknownCustomerErrors(c *gc.C) {
	cfg := config.NewCustomerConfig(map[string]config.Customer{})
	_, err := cfg.Get("missing")
	c.Assert(err, gc.NotNil)
}

func (s *suite) TestLoadProcessDefaults(c *gc.C) {
	p := config.LoadProcess()
	c.Assert(p.RedisAddr, gc.Equals, "127.0.0.1:6379")
	c.Assert(p.RedisDB, gc.Equals, 1)
	c.Assert(p.BitwerxPollInterval.Seconds(), gc.Equals, float64(10))
}

func (s *suite) TestLoadProcessReadsOverrides(c *gc.C) {
	s.PatchEnvironment("REDIS_HOST", "redis.internal")
	s.PatchEnvironment("REDIS_PORT", "6380")
	s.PatchEnvironment("REDIS_DB", "4")
	s.PatchEnvironment("BITWERX_POLL_INTERVAL_SECONDS", "5")
	s.PatchEnvironment("BITWERX_TIMEOUT_SECONDS", "30")

	p := config.LoadProcess()
	c.Assert(p.RedisAddr, gc.Equals, "redis.internal:6380")
	c.Assert(p.RedisDB, gc.Equals, 4)
	c.Assert(p.BitwerxPollInterval.Seconds(), gc.Equals, float64(5))
	c.Assert(p.BitwerxTimeout.Seconds(), gc.Equals, float64(30))
}

func (s *suite) TestWithHubSpotFiltersByIntegration(c *gc.C) {
	customers, err := config.ParseCustomers([]byte(fixtureYAML))
	c.Assert(err, gc.IsNil)
	cfg := config.NewCustomerConfig(customers)

	matches := cfg.WithHubSpot()
	c.Assert(matches, gc.HasLen, 1)
	c.Assert(matches[0].Name, gc.Equals, "rarebreed")

	c.Assert(cfg.WithVetSuccess(), gc.HasLen, 0)
}
