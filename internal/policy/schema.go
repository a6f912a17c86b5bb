package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["targets"],
  "properties": {
    "targets": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {"type": "number", "minimum": 0, "maximum": 1}
    },
    "bands_pct": {"type": "number", "minimum": 0, "maximum": 1},
    "band_dynamic": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "base": {"type": "number", "minimum": 0, "maximum": 1},
        "min": {"type": "number", "minimum": 0, "maximum": 1},
        "max": {"type": "number", "minimum": 0, "maximum": 1},
        "lookback_days": {"type": "integer", "minimum": 0},
        "target_ann_vol": {"type": "number"}
      }
    },
    "momentum": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "lookback_days": {"type": "integer", "minimum": 0},
        "tilt_max_pct": {"type": "number", "minimum": 0, "exclusiveMaximum": 1},
        "tilt_strength": {"type": "number"}
      }
    },
    "satellite_gate": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "symbols": {"type": "array", "items": {"type": "string"}},
        "lookback_days": {"type": "integer", "minimum": 0},
        "threshold_ret": {"type": "number"},
        "max_weight_pct": {
          "type": "object",
          "additionalProperties": {"type": "number", "minimum": 0, "maximum": 1}
        }
      }
    },
    "cash": {
      "type": "object",
      "properties": {
        "floor_usd": {"type": "number", "minimum": 0},
        "auto_deploy_usd_per_day": {"type": "number", "minimum": 0},
        "pro_rata_underweights": {"type": "boolean"}
      }
    },
    "taker_fee_bps": {"type": "number", "minimum": 0},
    "slippage_bps": {"type": "number", "minimum": 0},
    "qty_step": {"type": "object", "additionalProperties": {"type": "number", "minimum": 0}},
    "per_asset_cap_usd": {"type": "object", "additionalProperties": {"type": "number", "minimum": 0}},
    "daily_turnover_cap_usd": {"type": "number"},
    "min_trade_usd": {"type": "number", "minimum": 0},
    "move_fraction": {"type": "number", "minimum": 0, "maximum": 1},
    "max_trade_count": {"type": "integer"},
    "ensure_cash": {"type": "boolean"}
  }
}`

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("policy.json", strings.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schemaCompiled, schemaErr = compiler.Compile("policy.json")
	})
	return schemaCompiled, schemaErr
}

// ValidatePolicy checks a decoded policy against the schema. Validating the
// typed value lets string env overrides pass once viper has converted them.
func ValidatePolicy(p Policy) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode policy document: %w", err)
	}
	return validateJSON(raw)
}

func validateJSON(raw []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile policy schema: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode policy document: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("policy schema: %w", err)
	}
	return nil
}
