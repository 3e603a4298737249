package transport

import (
	"bytes"
	"crypto/cipher"
	"crypto/des"
	"encoding/binary"
	"errors"
)

var errBadPadding = errors.New("transport: bad padding")

// blockCipher is DES in ECB mode with PKCS5 padding, keyed from a 64-bit shared secret.
type blockCipher struct {
	block cipher.Block
}

func newBlockCipher(secret uint64) (*blockCipher, error) {
	var key [des.BlockSize]byte
	binary.BigEndian.PutUint64(key[:], secret)
	block, err := des.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return &blockCipher{block: block}, nil
}

func (c *blockCipher) encrypt(plaintext []byte) []byte {
	size := c.block.BlockSize()
	pad := size - len(plaintext)%size
	src := append(append([]byte(nil), plaintext...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	dst := make([]byte, len(src))
	for i := 0; i < len(src); i += size {
		c.block.Encrypt(dst[i:i+size], src[i:i+size])
	}
	return dst
}

func (c *blockCipher) decrypt(ciphertext []byte) ([]byte, error) {
	size := c.block.BlockSize()
	if len(ciphertext) == 0 || len(ciphertext)%size != 0 {
		return nil, errBadPadding
	}
	dst := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += size {
		c.block.Decrypt(dst[i:i+size], ciphertext[i:i+size])
	}
	pad := int(dst[len(dst)-1])
	if pad == 0 || pad > size {
		return nil, errBadPadding
	}
	for _, b := range dst[len(dst)-pad:] {
		if int(b) != pad {
			return nil, errBadPadding
		}
	}
	return dst[:len(dst)-pad], nil
}

// Encrypt seals plaintext under the 8-byte big-endian form of secret.
func Encrypt(secret uint64, plaintext []byte) ([]byte, error) {
	c, err := newBlockCipher(secret)
	if err != nil {
		return nil, err
	}
	return c.encrypt(plaintext), nil
}

// Decrypt reverses Encrypt.
func Decrypt(secret uint64, ciphertext []byte) ([]byte, error) {
	c, err := newBlockCipher(secret)
	if err != nil {
		return nil, err
	}
	return c.decrypt(ciphertext)
}
