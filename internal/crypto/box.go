// Package crypto provides the per-user encryption used for session blobs.
//
// Keys are derived from a process-wide master key with PBKDF2, salted with the
// owning user's ID, so a blob encrypted for one user never decrypts for
// another. The token format is Fernet (AES-128-CBC + HMAC-SHA256, URL-safe
// base64) so blobs written by earlier deployments remain readable.
package crypto

import (
	aespkg "crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltPrefix   = "tg_forward_bot_"
	iterations   = 100_000
	fernetVersion = 0x80
)

// ErrTampered is returned when a blob fails authentication or is malformed.
// Decrypt never returns partially-decrypted data.
var ErrTampered = errors.New("crypto: ciphertext failed authentication")

// Box derives per-user keys from a master key and seals/opens session blobs.
type Box struct {
	masterKey []byte
}

// NewBox creates a Box seeded with the configured master key.
func NewBox(masterKey string) *Box {
	return &Box{masterKey: []byte(masterKey)}
}

// deriveKey returns the 32-byte key for one user: the first 16 bytes sign,
// the last 16 encrypt.
func (b *Box) deriveKey(userID int64) []byte {
	salt := []byte(saltPrefix + strconv.FormatInt(userID, 10))
	return pbkdf2.Key(b.masterKey, salt, iterations, 32, sha256.New)
}

// Encrypt seals plaintext for the given user.
func (b *Box) Encrypt(userID int64, plaintext []byte) ([]byte, error) {
	key := b.deriveKey(userID)
	signKey, encKey := key[:16], key[16:]

	iv := make([]byte, aespkg.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext, aespkg.BlockSize)
	block, err := aespkg.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	token := make([]byte, 0, 1+8+len(iv)+len(ciphertext)+sha256.Size)
	token = append(token, fernetVersion)
	token = binary.BigEndian.AppendUint64(token, uint64(time.Now().Unix()))
	token = append(token, iv...)
	token = append(token, ciphertext...)

	mac := hmac.New(sha256.New, signKey)
	mac.Write(token)
	token = mac.Sum(token)

	out := make([]byte, base64.URLEncoding.EncodedLen(len(token)))
	base64.URLEncoding.Encode(out, token)
	return out, nil
}

// Decrypt opens a blob sealed for the given user. Any authentication or
// format failure yields ErrTampered.
func (b *Box) Decrypt(userID int64, encrypted []byte) ([]byte, error) {
	token := make([]byte, base64.URLEncoding.DecodedLen(len(encrypted)))
	n, err := base64.URLEncoding.Decode(token, encrypted)
	if err != nil {
		return nil, ErrTampered
	}
	token = token[:n]

	// version + timestamp + IV + at least one block + MAC
	if len(token) < 1+8+aespkg.BlockSize+aespkg.BlockSize+sha256.Size {
		return nil, ErrTampered
	}
	if token[0] != fernetVersion {
		return nil, ErrTampered
	}

	key := b.deriveKey(userID)
	signKey, encKey := key[:16], key[16:]

	body, tag := token[:len(token)-sha256.Size], token[len(token)-sha256.Size:]
	mac := hmac.New(sha256.New, signKey)
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), tag) != 1 {
		return nil, ErrTampered
	}

	iv := body[9 : 9+aespkg.BlockSize]
	ciphertext := body[9+aespkg.BlockSize:]
	if len(ciphertext)%aespkg.BlockSize != 0 {
		return nil, ErrTampered
	}

	block, err := aespkg.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, ok := pkcs7Unpad(padded, aespkg.BlockSize)
	if !ok {
		return nil, ErrTampered
	}
	return plaintext, nil
}

// Hash returns the hex SHA-256 of data. Used for audit, never for decryption.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, bool) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, false
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, false
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, false
		}
	}
	return data[:len(data)-padLen], true
}
