package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// Network families.
const (
	FamilyEVM    = "evm"
	FamilySolana = "solana"
)

// NetworkConfig describes one chain the engine reconciles against.
type NetworkConfig struct {
	ID             int           `yaml:"id"`
	Name           string        `yaml:"name"`
	Family         string        `yaml:"family"`
	RPCURL         string        `yaml:"rpc_url"`
	ExplorerURL    string        `yaml:"explorer_url"`
	ExplorerAPIKey string        `yaml:"explorer_api_key"`
	SubgraphURL    string        `yaml:"subgraph_url"`
	NativeSymbol   string        `yaml:"native_symbol"`
	NativeDecimals int32         `yaml:"native_decimals"`
	Tokens         []TokenConfig `yaml:"tokens"`
}

// TokenConfig is a token contract (or SPL mint) accepted on a network.
type TokenConfig struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals int32  `yaml:"decimals"`
}

type networksFile struct {
	Networks []NetworkConfig `yaml:"networks"`
}

// LoadNetworks reads the network table. ${VAR} references are expanded from
// the environment before parsing so API keys can stay out of the file.
func LoadNetworks(path string) ([]NetworkConfig, error) {
	if !filepath.IsAbs(path) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		path = filepath.Join(wd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read networks file %s: %w", path, err)
	}

	return ParseNetworks([]byte(os.ExpandEnv(string(data))))
}

// ParseNetworks parses and validates a networks YAML document.
func ParseNetworks(data []byte) ([]NetworkConfig, error) {
	var file networksFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unable to parse networks file: %w", err)
	}

	seen := make(map[int]bool)
	for i := range file.Networks {
		n := &file.Networks[i]
		if n.ID == 0 {
			return nil, fmt.Errorf("network at index %d missing id", i)
		}
		if seen[n.ID] {
			return nil, fmt.Errorf("network id %d configured twice", n.ID)
		}
		seen[n.ID] = true

		if n.Name == "" {
			n.Name = fmt.Sprintf("network-%d", n.ID)
		}
		switch n.Family {
		case FamilyEVM:
			if n.ExplorerURL == "" {
				return nil, fmt.Errorf("network %s: explorer_url is required for evm networks", n.Name)
			}
			if n.NativeDecimals == 0 {
				n.NativeDecimals = 18
			}
		case FamilySolana:
			if n.NativeDecimals == 0 {
				n.NativeDecimals = 9
			}
		default:
			return nil, fmt.Errorf("network %s: unknown family %q", n.Name, n.Family)
		}
		if n.RPCURL == "" {
			return nil, fmt.Errorf("network %s: rpc_url is required", n.Name)
		}
		if n.NativeSymbol == "" {
			return nil, fmt.Errorf("network %s: native_symbol is required", n.Name)
		}

		symbols := map[string]bool{strings.ToUpper(n.NativeSymbol): true}
		for j, tok := range n.Tokens {
			if tok.Symbol == "" || tok.Address == "" {
				return nil, fmt.Errorf("network %s: token at index %d needs symbol and address", n.Name, j)
			}
			if tok.Decimals < 0 || tok.Decimals > 36 {
				return nil, fmt.Errorf("network %s: token %s has invalid decimals %d", n.Name, tok.Symbol, tok.Decimals)
			}
			if symbols[strings.ToUpper(tok.Symbol)] {
				return nil, fmt.Errorf("network %s: duplicate asset symbol %s", n.Name, tok.Symbol)
			}
			symbols[strings.ToUpper(tok.Symbol)] = true
		}
	}

	return file.Networks, nil
}
