/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package pool

import (
	"crypto/ecdsa"
	"crypto/sha512"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

const (
	purpose     = 44
	coinEther   = 60
	seedRounds  = 2048
	seedKeySize = 64

	depositAccount  = 0
	treasuryAccount = 1
)

// Key is one derived signing key. The private part never leaves this package.
type Key struct {
	Index   uint32
	Address common.Address
	private *ecdsa.PrivateKey
}

// NewSeed stretches a BIP39 mnemonic into a 64-byte seed.
// Word list membership is not checked; only the word count is validated.
func NewSeed(mnemonic, passphrase string) ([]byte, error) {
	words := strings.Fields(norm.NFKD.String(mnemonic))
	switch len(words) {
	case 12, 15, 18, 21, 24:
	default:
		return nil, fmt.Errorf("mnemonic must have 12, 15, 18, 21 or 24 words, got %d", len(words))
	}

	phrase := strings.Join(words, " ")
	salt := "mnemonic" + norm.NFKD.String(passphrase)
	return pbkdf2.Key([]byte(phrase), []byte(salt), seedRounds, seedKeySize, sha512.New), nil
}

// DerivePool derives count deposit keys at m/44'/60'/0'/0/i.
func DerivePool(mnemonic, passphrase string, count int) ([]Key, error) {
	if count <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", count)
	}

	seed, err := NewSeed(mnemonic, passphrase)
	if err != nil {
		return nil, err
	}
	account, err := accountKey(seed, depositAccount)
	if err != nil {
		return nil, err
	}
	external, err := account.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("derive external chain: %w", err)
	}

	keys := make([]Key, 0, count)
	for i := 0; i < count; i++ {
		key, err := leafKey(external, uint32(i))
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// DeriveTreasury derives the hot wallet key at m/44'/60'/1'/0/0.
func DeriveTreasury(mnemonic, passphrase string) (Key, error) {
	seed, err := NewSeed(mnemonic, passphrase)
	if err != nil {
		return Key{}, err
	}
	account, err := accountKey(seed, treasuryAccount)
	if err != nil {
		return Key{}, err
	}
	external, err := account.Derive(0)
	if err != nil {
		return Key{}, fmt.Errorf("derive treasury chain: %w", err)
	}
	return leafKey(external, 0)
}

func accountKey(seed []byte, account uint32) (*hdkeychain.ExtendedKey, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}

	key := master
	for _, child := range []uint32{purpose, coinEther, account} {
		key, err = key.Derive(hdkeychain.HardenedKeyStart + child)
		if err != nil {
			return nil, fmt.Errorf("derive hardened child %d': %w", child, err)
		}
	}
	return key, nil
}

func leafKey(parent *hdkeychain.ExtendedKey, index uint32) (Key, error) {
	child, err := parent.Derive(index)
	if err != nil {
		return Key{}, fmt.Errorf("derive index %d: %w", index, err)
	}
	ecPriv, err := child.ECPrivKey()
	if err != nil {
		return Key{}, fmt.Errorf("private key %d: %w", index, err)
	}
	private, err := crypto.ToECDSA(ecPriv.Serialize())
	if err != nil {
		return Key{}, fmt.Errorf("convert key %d: %w", index, err)
	}
	return Key{Index: index, Address: crypto.PubkeyToAddress(private.PublicKey), private: private}, nil
}

// KeySigner signs transactions with one pool or treasury key
type KeySigner struct {
	key Key
}

func (s *KeySigner) Address() common.Address { return s.key.Address }

func (s *KeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key.private)
}
