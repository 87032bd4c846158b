package config

import (
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// customersDoc is the on-the-wire shape of a SecretBackend payload
// describing every configured customer, matching the CUSTOMERS map
// from config.py but decoded from YAML instead of a Python literal.
type customersDoc struct {
	Customers map[string]customerDoc `yaml:"customers"`
}

type customerDoc struct {
	Name         string                `yaml:"name"`
	Integrations integrationsDoc       `yaml:"integrations"`
}

type integrationsDoc struct {
	HubSpot    *hubspotDoc    `yaml:"hubspot"`
	Bitwerx    *bitwerxDoc    `yaml:"bitwerx"`
	VetSuccess *vetsuccessDoc `yaml:"vetsuccess"`
}

type hubspotDoc struct {
	APIKey  string                    `yaml:"apikey"`
	Objects map[string]hubspotObjectDoc `yaml:"objects"`
}

type hubspotObjectDoc struct {
	Properties      []string `yaml:"properties"`
	LastUpdateField string   `yaml:"last_update_field"`
	Priority        int      `yaml:"priority"`
}

type bitwerxDoc struct {
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	PracticeID string `yaml:"practice_id"`
}

type vetsuccessDoc struct {
	DSN string `yaml:"dsn"`
}

// ParseCustomers decodes a SecretBackend payload (spec §6's customer
// config shape) into the Customer map NewCustomerConfig expects.
func ParseCustomers(raw []byte) (map[string]Customer, error) {
	var doc customersDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Annotate(err, "parsing customer config")
	}

	out := make(map[string]Customer, len(doc.Customers))
	for name, c := range doc.Customers {
		cust := Customer{Name: c.Name}
		if hs := c.Integrations.HubSpot; hs != nil {
			objects := make(map[string]HubSpotObject, len(hs.Objects))
			for objName, obj := range hs.Objects {
				objects[objName] = HubSpotObject{
					Properties:      obj.Properties,
					LastUpdateField: obj.LastUpdateField,
					Priority:        obj.Priority,
				}
			}
			cust.HubSpot = &HubSpotIntegration{APIKey: hs.APIKey, Objects: objects}
		}
		if bw := c.Integrations.Bitwerx; bw != nil {
			cust.Bitwerx = &BitwerxIntegration{
				Username:   bw.Username,
				Password:   bw.Password,
				PracticeID: bw.PracticeID,
			}
		}
		if vs := c.Integrations.VetSuccess; vs != nil {
			cust.VetSuccess = &VetSuccessIntegration{DSN: vs.DSN}
		}
		out[name] = cust
	}
	return out, nil
}
