package utils

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/ripemd160"
)

// PartyAddressVersion 参与方地址版本字节
const PartyAddressVersion = byte(0x37)

// AddressLength 参与方地址长度（HASH160）
const AddressLength = 20

// PublicKeyToAddress 从压缩公钥派生 20 字节地址
//
// 地址 = RIPEMD160(SHA256(compressed_pubkey))
func PublicKeyToAddress(compressedPubKey []byte) []byte {
	sha := sha256.Sum256(compressedPubKey)
	r := ripemd160.New()
	_, _ = r.Write(sha[:])
	return r.Sum(nil)
}

// AddressBytesToBase58 将 20 字节地址转换为 Base58Check 编码
//
// **格式**：
// - 版本字节（1字节）+ 地址哈希（20字节）+ 校验和（4字节）
func AddressBytesToBase58(addressBytes []byte) (string, error) {
	if len(addressBytes) != AddressLength {
		return "", fmt.Errorf("invalid address length: expected %d bytes, got %d", AddressLength, len(addressBytes))
	}

	versioned := make([]byte, 0, 1+AddressLength+4)
	versioned = append(versioned, PartyAddressVersion)
	versioned = append(versioned, addressBytes...)
	versioned = append(versioned, checksum(versioned)...)

	return base58.Encode(versioned), nil
}

// AddressBase58ToBytes 将 Base58Check 编码地址还原为 20 字节地址
func AddressBase58ToBytes(base58Addr string) ([]byte, error) {
	decoded := base58.Decode(base58Addr)

	// 版本字节（1）+ 地址哈希（20）+ 校验和（4）= 25 字节
	if len(decoded) != 1+AddressLength+4 {
		return nil, fmt.Errorf("invalid address length: expected 25 bytes after Base58 decode, got %d", len(decoded))
	}
	if decoded[0] != PartyAddressVersion {
		return nil, fmt.Errorf("unexpected address version 0x%02x", decoded[0])
	}

	payload := decoded[:1+AddressLength]
	if !bytes.Equal(decoded[1+AddressLength:], checksum(payload)) {
		return nil, fmt.Errorf("invalid checksum")
	}

	out := make([]byte, AddressLength)
	copy(out, decoded[1:1+AddressLength])
	return out, nil
}

// PublicKeyToBase58 公钥直接转换为 Base58Check 地址，用于日志与展示
func PublicKeyToBase58(compressedPubKey []byte) string {
	addr, err := AddressBytesToBase58(PublicKeyToAddress(compressedPubKey))
	if err != nil {
		return ""
	}
	return addr
}

// checksum 双重 SHA256，取前 4 字节
func checksum(b []byte) []byte {
	h1 := sha256.Sum256(b)
	h2 := sha256.Sum256(h1[:])
	return h2[:4]
}
