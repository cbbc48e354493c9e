package validate

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateJSON validates an object (already decoded to generic maps) against
// the given schema source.
func ValidateJSON(obj any, schemaSrc string) error {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mem://schema.json", strings.NewReader(schemaSrc)); err != nil {
		return err
	}
	sch, err := c.Compile("mem://schema.json")
	if err != nil {
		return err
	}
	return sch.Validate(obj)
}

// ValidateManifestMap validates a generic manifest map with the stack schema.
func ValidateManifestMap(m map[string]any) error {
	return ValidateJSON(m, manifestSchema)
}

// manifestSchema covers shape only; semantic rules (dependency resolution,
// zone policy, durations) live in the manifest and netpolicy packages.
const manifestSchema = `{
  "$schema":"https://json-schema.org/draft/2020-12/schema",
  "type":"object",
  "required":["stack","services"],
  "properties":{
    "stack":{
      "type":"object",
      "required":["name"],
      "properties":{
        "name":{"type":"string"},
        "version":{"type":"string"}
      }
    },
    "network":{
      "type":"object",
      "properties":{
        "overlay_cidr":{"type":"string"},
        "proxy_service":{"type":"string"},
        "public_addr":{"type":"string"}
      }
    },
    "tls":{
      "type":"object",
      "properties":{
        "directory_url":{"type":"string"},
        "email":{"type":"string"},
        "domains":{"type":"array","items":{"type":"string"}},
        "challenge_type":{"type":"string"}
      }
    },
    "services":{
      "type":"array",
      "minItems":1,
      "items":{
        "type":"object",
        "required":["name","command","probe"],
        "properties":{
          "name":{"type":"string"},
          "command":{"type":"string"},
          "args":{"type":"array","items":{"type":"string"}},
          "deps":{"type":"array","items":{"type":"string"}},
          "credentials":{"type":"array","items":{"type":"string"}},
          "probe":{
            "type":"object",
            "required":["kind","target"],
            "properties":{
              "kind":{"type":"string","enum":["exec","tcp","http"]},
              "target":{"type":"string"},
              "retries":{"type":"integer"},
              "success_streak":{"type":"integer"}
            }
          },
          "ports":{
            "type":"array",
            "items":{
              "type":"object",
              "required":["port","zone"],
              "properties":{
                "port":{"type":"integer"},
                "zone":{"type":"string","enum":["internal","exposed"]},
                "privileged":{"type":"boolean"}
              }
            }
          },
          "restart":{
            "type":"object",
            "properties":{
              "policy":{"type":"string","enum":["unless-stopped","never"]}
            }
          },
          "resources":{
            "type":"object",
            "properties":{
              "open_files":{"type":"integer","minimum":0},
              "memory_limit":{"type":"string"},
              "cpu_percent":{"type":"integer","minimum":0}
            }
          }
        }
      }
    }
  }
}`
