package inbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// VerifyWeComSignature checks the msg_signature query parameter: SHA-1 over
// the four inputs joined after lexicographic sort.
func VerifyWeComSignature(token, timestamp, nonce, encrypted, signature string) bool {
	parts := []string{token, timestamp, nonce, encrypted}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	expected := hex.EncodeToString(sum[:])
	return hmac.Equal([]byte(expected), []byte(signature))
}

// DecryptWeCom opens a WeCom AES-256-CBC envelope. The key is the base64
// encoding_aes_key plus one pad character; the IV is the first key block.
// The plaintext layout is [16 random][4 length BE][payload][receive_id].
//
// receiveIDs are tried in order; an empty candidate accepts any envelope
// receive_id. The group-bot flavor passes (corp_id, "") because some
// deliveries arrive without the corp id in the envelope.
func DecryptWeCom(encodingAESKey, ciphertext string, receiveIDs ...string) ([]byte, string, error) {
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, "", fmt.Errorf("bad encoding_aes_key: %w", err)
	}
	if len(key) != 32 {
		return nil, "", fmt.Errorf("encoding_aes_key decodes to %d bytes, want 32", len(key))
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, "", fmt.Errorf("bad ciphertext: %w", err)
	}
	if len(data) < aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, "", fmt.Errorf("ciphertext length %d is not a block multiple", len(data))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, "", err
	}
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, key[:16]).CryptBlocks(plain, data)

	// WeCom pads to its 32-byte key size, not the AES block size.
	plain, err = pkcs7Unpad(plain, 32)
	if err != nil {
		return nil, "", err
	}
	if len(plain) < 20 {
		return nil, "", fmt.Errorf("envelope too short: %d bytes", len(plain))
	}

	msgLen := binary.BigEndian.Uint32(plain[16:20])
	if int(msgLen) > len(plain)-20 {
		return nil, "", fmt.Errorf("envelope length field %d exceeds payload", msgLen)
	}
	payload := plain[20 : 20+msgLen]
	gotReceiveID := string(plain[20+msgLen:])

	if len(receiveIDs) == 0 {
		return payload, gotReceiveID, nil
	}
	for _, want := range receiveIDs {
		if want == "" || want == gotReceiveID {
			return payload, gotReceiveID, nil
		}
	}
	return nil, gotReceiveID, fmt.Errorf("receive_id %q does not match", gotReceiveID)
}

// VerifyFeishuSignature checks the X-Lark-Signature header:
// SHA-256 over timestamp + nonce + encrypt_key + body, hex encoded.
func VerifyFeishuSignature(encryptKey, timestamp, nonce string, body []byte, signature string) bool {
	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	h.Write([]byte(encryptKey))
	h.Write(body)
	expected := hex.EncodeToString(h.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// DecryptFeishu opens a Feishu encrypted event. The AES key is the SHA-256
// of encrypt_key; the IV is the first block of the decoded ciphertext.
func DecryptFeishu(encryptKey, ciphertext string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("bad ciphertext: %w", err)
	}
	if len(data) < 2*aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a block multiple", len(data))
	}

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(data)-aes.BlockSize)
	cipher.NewCBCDecrypter(block, data[:aes.BlockSize]).CryptBlocks(plain, data[aes.BlockSize:])
	return pkcs7Unpad(plain, aes.BlockSize)
}

// SignDingTalk computes the robot callback signature:
// base64(HMAC-SHA256(secret, timestamp + "\n" + secret)).
func SignDingTalk(secret, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyDingTalkSignature compares the header signature in constant time.
func VerifyDingTalkSignature(secret, timestamp, signature string) bool {
	return hmac.Equal([]byte(SignDingTalk(secret, timestamp)), []byte(signature))
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("bad padding byte %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}
