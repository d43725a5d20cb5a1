package ipmitransport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// rakpPad appends the RMCP+ confidentiality padding: enough 1,2,3,...
// filler bytes to bring len(payload)+1 to a block boundary, followed by
// a trailing length byte giving the filler count. This is the scheme
// the RAKP confidentiality algorithm specifies, not PKCS#7 (the filler
// values aren't all equal to the count), so encrypt/decrypt share this
// helper rather than reaching for a generic padding package.
func rakpPad(payload []byte) []byte {
	padLen := (aes.BlockSize - ((len(payload) + 1) % aes.BlockSize)) % aes.BlockSize
	padded := make([]byte, len(payload)+padLen+1)
	copy(padded, payload)
	for i := 0; i < padLen; i++ {
		padded[len(payload)+i] = byte(i + 1)
	}
	padded[len(padded)-1] = byte(padLen)
	return padded
}

// rakpUnpad reverses rakpPad, trusting the trailing length byte the way
// the padding scheme defines rather than re-validating the filler
// pattern (the BMC is the only other party to this session's k2; a
// corrupt trailer will simply fail the caller's own HIOMAP framing a
// step later).
func rakpUnpad(padded []byte) ([]byte, error) {
	if len(padded) == 0 {
		return nil, fmt.Errorf("empty padded payload")
	}
	padLen := int(padded[len(padded)-1])
	if padLen+1 > len(padded) {
		return nil, fmt.Errorf("invalid pad length: %d", padLen)
	}
	return padded[:len(padded)-padLen-1], nil
}

// encryptPayload encrypts payload with AES-CBC-128 using k2 as the key,
// per the RMCP+ confidentiality algorithm. Returns IV (16 bytes) +
// ciphertext.
func encryptPayload(k2, payload []byte) ([]byte, error) {
	block, err := aes.NewCipher(k2[:16])
	if err != nil {
		return nil, err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	padded := rakpPad(payload)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out := make([]byte, aes.BlockSize+len(ciphertext))
	copy(out, iv)
	copy(out[aes.BlockSize:], ciphertext)
	return out, nil
}

// decryptPayload reverses encryptPayload.
func decryptPayload(k2, data []byte) ([]byte, error) {
	if len(data) < 2*aes.BlockSize {
		return nil, fmt.Errorf("encrypted payload too short: %d", len(data))
	}
	iv, ciphertext := data[:aes.BlockSize], data[aes.BlockSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext not block-aligned: %d", len(ciphertext))
	}

	block, err := aes.NewCipher(k2[:16])
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return rakpUnpad(plaintext)
}
