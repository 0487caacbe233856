package proofs

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer 使用 secp256k1 私钥对证据包完整性哈希签名。
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner 从十六进制私钥创建签名器，允许带 0x 前缀。
func NewSigner(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("签名私钥不能为空")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// GenerateSigner 生成一个随机私钥的签名器，用于未配置私钥的本地运行。
func GenerateSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("生成签名私钥失败: %w", err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address 返回签名者地址（EIP-55 格式）。
func (s *Signer) Address() string {
	return s.address.Hex()
}

// SignHash 对 32 字节摘要的十六进制表示签名，返回 0x 前缀的 65 字节签名。
func (s *Signer) SignHash(digestHex string) (string, error) {
	digest, err := decodeDigest(digestHex)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("签名失败: %w", err)
	}
	return hexutil.Encode(sig), nil
}

// RecoverSigner 从签名恢复签名者地址。
func RecoverSigner(digestHex, signature string) (string, error) {
	digest, err := decodeDigest(digestHex)
	if err != nil {
		return "", err
	}
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("解析签名失败: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("签名长度应为 %d 字节，实际 %d", crypto.SignatureLength, len(sig))
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("恢复公钥失败: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// VerifySignature 判断签名是否由 address 对摘要签出。
func VerifySignature(digestHex, signature, address string) bool {
	recovered, err := RecoverSigner(digestHex, signature)
	if err != nil {
		return false
	}
	return common.HexToAddress(address) == common.HexToAddress(recovered)
}

func decodeDigest(digestHex string) ([]byte, error) {
	digest, err := hex.DecodeString(strings.TrimPrefix(digestHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析摘要失败: %w", err)
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("摘要长度应为 32 字节，实际 %d", len(digest))
	}
	return digest, nil
}
