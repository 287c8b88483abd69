package main

import (
	"fmt"
	"strings"

	"github.com/btcsuite/descwallet/policy"
)

// parseKeyAliases parses ALIAS=KEY pairs into a key map.
func parseKeyAliases(pairs []string) (policy.KeyMap, error) {
	keys := make(policy.KeyMap, len(pairs))
	for _, pair := range pairs {
		alias, expr, ok := strings.Cut(pair, "=")
		if !ok || alias == "" {
			return nil, fmt.Errorf("invalid key alias %q, expected "+
				"alias=key", pair)
		}
		if _, dup := keys[alias]; dup {
			return nil, fmt.Errorf("duplicate key alias %q", alias)
		}

		key, err := policy.ParseKeyExpr(expr)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", alias, err)
		}
		keys[alias] = key
	}

	return keys, nil
}

type policyCompileCmd struct {
	Keys []string `short:"k" long:"key" description:"Key alias as alias=keyexpr, may be repeated"`

	Args struct {
		Policy string `positional-arg-name:"policy" description:"Policy such as thresh(2,pk(A),pk(B),pk(C))"`
	} `positional-args:"yes" required:"yes"`

	app *app
}

// Execute implements flags.Commander.
func (c *policyCompileCmd) Execute(_ []string) error {
	keys, err := parseKeyAliases(c.Keys)
	if err != nil {
		return err
	}

	node, err := policy.Parse(c.Args.Policy)
	if err != nil {
		return err
	}

	desc, err := policy.Compile(node, keys)
	if err != nil {
		return err
	}

	return c.app.printJSON(map[string]any{
		"descriptor": desc.String(),
		"miniscript": desc.Miniscript(),
		"paths":      desc.Plan().Paths(),
	})
}
