package common

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v2"
)

type AssetKind string

const (
	AssetNative  AssetKind = "native"
	AssetToken   AssetKind = "token"
	AssetNFT     AssetKind = "nft"
	AssetBridged AssetKind = "bridged"
)

type AssetConfig struct {
	Symbol        string    `yaml:"symbol"`
	Network       string    `yaml:"network"`
	Kind          AssetKind `yaml:"kind"`
	Contract      string    `yaml:"contract"`
	Decimals      int32     `yaml:"decimals"`
	Standard      string    `yaml:"standard"`
	BridgeTicker  string    `yaml:"bridge_ticker"`
	PrimeWalletId string    `yaml:"prime_wallet_id"`
}

// ContractAddress is the checksummed contract, zero for native and bridged assets.
func (a AssetConfig) ContractAddress() ethcommon.Address {
	return ethcommon.HexToAddress(a.Contract)
}

type AssetsConfig struct {
	Assets []AssetConfig `yaml:"assets"`
}

// AssetCatalog indexes the supported assets by ledger symbol and by contract.
// Exactly one native asset is required.
type AssetCatalog struct {
	assets     []AssetConfig
	bySymbol   map[string]AssetConfig
	byContract map[ethcommon.Address]AssetConfig
	native     AssetConfig
}

func LoadAssetConfig(assetsFile string) ([]AssetConfig, error) {
	var assetsPath string
	if filepath.IsAbs(assetsFile) {
		assetsPath = assetsFile
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		assetsPath = filepath.Join(wd, assetsFile)
	}

	data, err := os.ReadFile(assetsPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", assetsFile, err)
	}

	var config AssetsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", assetsFile, err)
	}

	return config.Assets, nil
}

// LoadAssetCatalog reads and validates the asset file.
func LoadAssetCatalog(assetsFile string) (*AssetCatalog, error) {
	assets, err := LoadAssetConfig(assetsFile)
	if err != nil {
		return nil, err
	}
	return NewAssetCatalog(assets)
}

func NewAssetCatalog(assets []AssetConfig) (*AssetCatalog, error) {
	c := &AssetCatalog{
		bySymbol:   make(map[string]AssetConfig),
		byContract: make(map[ethcommon.Address]AssetConfig),
	}

	nativeFound := false
	for i, asset := range assets {
		if asset.Symbol == "" {
			return nil, fmt.Errorf("asset at index %d missing symbol", i)
		}
		if asset.Network == "" {
			return nil, fmt.Errorf("asset at index %d missing network", i)
		}
		if _, exists := c.bySymbol[asset.Symbol]; exists {
			return nil, fmt.Errorf("asset %s declared twice", asset.Symbol)
		}

		switch asset.Kind {
		case AssetNative:
			if nativeFound {
				return nil, fmt.Errorf("asset %s: only one native asset is allowed", asset.Symbol)
			}
			nativeFound = true
			c.native = asset
		case AssetToken, AssetNFT:
			if !ethcommon.IsHexAddress(asset.Contract) {
				return nil, fmt.Errorf("asset %s: invalid contract %q", asset.Symbol, asset.Contract)
			}
			addr := asset.ContractAddress()
			if _, exists := c.byContract[addr]; exists {
				return nil, fmt.Errorf("asset %s: contract %s declared twice", asset.Symbol, addr.Hex())
			}
			if asset.Kind == AssetNFT && asset.Standard != "ERC721" && asset.Standard != "ERC1155" {
				return nil, fmt.Errorf("asset %s: standard must be ERC721 or ERC1155", asset.Symbol)
			}
			c.byContract[addr] = asset
		case AssetBridged:
			if asset.BridgeTicker == "" {
				return nil, fmt.Errorf("asset %s: bridged assets need a bridge_ticker", asset.Symbol)
			}
		default:
			return nil, fmt.Errorf("asset %s: unknown kind %q", asset.Symbol, asset.Kind)
		}

		c.bySymbol[asset.Symbol] = asset
		c.assets = append(c.assets, asset)
	}

	if !nativeFound {
		return nil, fmt.Errorf("asset catalog has no native asset")
	}
	return c, nil
}

func (c *AssetCatalog) Lookup(symbol string) (AssetConfig, bool) {
	asset, ok := c.bySymbol[strings.ToUpper(symbol)]
	if !ok {
		asset, ok = c.bySymbol[symbol]
	}
	return asset, ok
}

func (c *AssetCatalog) ByContract(address ethcommon.Address) (AssetConfig, bool) {
	asset, ok := c.byContract[address]
	return asset, ok
}

func (c *AssetCatalog) Native() AssetConfig {
	return c.native
}

// Contracts returns every catalogued token and NFT contract, sorted.
func (c *AssetCatalog) Contracts() []ethcommon.Address {
	contracts := make([]ethcommon.Address, 0, len(c.byContract))
	for addr := range c.byContract {
		contracts = append(contracts, addr)
	}
	sort.Slice(contracts, func(i, j int) bool {
		return contracts[i].Hex() < contracts[j].Hex()
	})
	return contracts
}

func (c *AssetCatalog) Assets() []AssetConfig {
	return append([]AssetConfig(nil), c.assets...)
}

// Labels returns SYMBOL-network labels for display.
func (c *AssetCatalog) Labels() []string {
	labels := make([]string, 0, len(c.assets))
	for _, asset := range c.assets {
		labels = append(labels, fmt.Sprintf("%s-%s", asset.Symbol, asset.Network))
	}
	return labels
}
