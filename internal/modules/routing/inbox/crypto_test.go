package inbox

import (
	"strings"
	"testing"
)

// Key material shared by the WeCom vectors: the AES key is bytes 0..31,
// encoded without the trailing base64 pad as the platform config stores it.
const (
	testEncodingAESKey = "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8"
	testWeComToken     = "tok123"

	// AES-256-CBC envelope of a text message addressed to corp1.
	wecomTextCiphertext = "eOFrBoF6RFOr74ojX6n6UeXE+5e1rv47bjFMcoJbPLXMSQKsNb36MmmTRTNu+f+CjQGRDdleyr89rl9tWbrRaJaT1b036wMObD2D1gbDTnuwD0lco3RVHq2aoJFBn9RRXr0bgLcGQZlxPJVB1owLrbe7wqxoMU9bHA2+atKhwel9YDfDHgfHLGY1AXKVTeXjyLZBceoTA7OsnxM61hiOxdy6wwXFN2rPR0LmqI+2h+bxgDQ3AXIpwu7r8YQWGfmybAOB5dthhwe66rwvT5TDeIfLeIio5wT7u5KWmZ4KDJ8="
	wecomTextPayload    = "<xml><ToUserName>corp1</ToUserName><MsgType>text</MsgType><MsgId>msg-1</MsgId><FromUserName>visitor9</FromUserName><Content>hello wecom</Content><CreateTime>1700000000</CreateTime></xml>"
	wecomTextSignature  = "c0cccc939e4c86ee9b8926a078f56807ef89a90f"
)

func TestVerifyWeComSignatureVector(t *testing.T) {
	if !VerifyWeComSignature(testWeComToken, "1700000000", "n0nce", "ENCRYPTEDBODY", "38f52fa4a3519204d096d82b3911d6b68f666552") {
		t.Fatal("known-good signature rejected")
	}
	if VerifyWeComSignature(testWeComToken, "1700000000", "n0nce", "ENCRYPTEDBODY", "38f52fa4a3519204d096d82b3911d6b68f666553") {
		t.Fatal("tampered signature accepted")
	}
	if VerifyWeComSignature("other-token", "1700000000", "n0nce", "ENCRYPTEDBODY", "38f52fa4a3519204d096d82b3911d6b68f666552") {
		t.Fatal("signature accepted under the wrong token")
	}
}

func TestDecryptWeComVector(t *testing.T) {
	payload, receiveID, err := DecryptWeCom(testEncodingAESKey, wecomTextCiphertext, "corp1")
	if err != nil {
		t.Fatalf("DecryptWeCom: %v", err)
	}
	if string(payload) != wecomTextPayload {
		t.Fatalf("payload = %q", payload)
	}
	if receiveID != "corp1" {
		t.Fatalf("receive_id = %q", receiveID)
	}
}

func TestDecryptWeComReceiveIDMismatch(t *testing.T) {
	_, _, err := DecryptWeCom(testEncodingAESKey, wecomTextCiphertext, "corp2")
	if err == nil || !strings.Contains(err.Error(), "receive_id") {
		t.Fatalf("err = %v, want receive_id mismatch", err)
	}

	// The group-bot dual try: the corp candidate misses, the empty
	// candidate accepts whatever the envelope carries.
	payload, receiveID, err := DecryptWeCom(testEncodingAESKey, wecomTextCiphertext, "corp2", "")
	if err != nil {
		t.Fatalf("dual-try decrypt: %v", err)
	}
	if receiveID != "corp1" || string(payload) != wecomTextPayload {
		t.Fatalf("dual-try got receive_id %q", receiveID)
	}
}

func TestDecryptWeComRejectsGarbage(t *testing.T) {
	if _, _, err := DecryptWeCom("short-key", wecomTextCiphertext, "corp1"); err == nil {
		t.Fatal("bad key accepted")
	}
	if _, _, err := DecryptWeCom(testEncodingAESKey, "not-base64!!!", "corp1"); err == nil {
		t.Fatal("bad ciphertext accepted")
	}
	// Valid base64 of a non-block length.
	if _, _, err := DecryptWeCom(testEncodingAESKey, "AAAA", "corp1"); err == nil {
		t.Fatal("short ciphertext accepted")
	}
}

func TestVerifyDingTalkSignatureVector(t *testing.T) {
	const secret, ts = "ding-secret", "1700000000000"
	const want = "nqq88ibHb0KGsDlurqi82ts6x3l4frnYUqJn0JfHX9o="
	if got := SignDingTalk(secret, ts); got != want {
		t.Fatalf("SignDingTalk = %q, want %q", got, want)
	}
	if !VerifyDingTalkSignature(secret, ts, want) {
		t.Fatal("known-good signature rejected")
	}
	if VerifyDingTalkSignature(secret, "1700000000001", want) {
		t.Fatal("signature accepted for a different timestamp")
	}
}

func TestVerifyFeishuSignatureVector(t *testing.T) {
	body := []byte(`{"encrypt":"x"}`)
	const want = "d4cbce090be39dc798b737f5556b3de9100615aa9377089a2f5abc662cb7d84e"
	if !VerifyFeishuSignature("feishu-key", "1700000001", "abcd", body, want) {
		t.Fatal("known-good signature rejected")
	}
	if VerifyFeishuSignature("feishu-key", "1700000001", "abce", body, want) {
		t.Fatal("signature accepted for a different nonce")
	}
}

const feishuEventCiphertext = "ZGVmZ2hpamtsbW5vcHFyc9d+V1TCtN74H3bJRmXmThwVugQ+FhQ4UTUFFHuGqBnkg1qjNvmqTINMrdmL7Dn0CtywHZKQPUsPhs5/4JGI9bT9oWKBiLO0ORDQOLQFytf51TGriKuPKV/jiPq62YCvSldjW7KzmlYqfZWHMfOojE7M4+RQViGzRfR8IhdSzGld31T+PCpVC9hcIiCfTf59BEL1f2ceMDIvInkM1twZc2jrxRihN/Dw4NpSzDVxc68cPHezpMgWaAYXNdDCArKwFXveK/Dx2FdX+oFFaYpzw5hUVEINCqS83z/piU0Kaca48NaSdWaYHJQ3JvX6bVKCMft1JLcnc64s5BkgmRfry5wnzzw4I6HOiQZw0phTnsDrEHH3txO93CAZCp+klhxbIUslPcSF1PYDQwOPsAr4cU8w0UXsssdUPOa3Xiwme337ItGQPmnoQqON1KAPr22axpZx0zWUCH43d9n+GANgRG5z9ckIwRozn4914zCtIVOx"

func TestDecryptFeishuVector(t *testing.T) {
	plain, err := DecryptFeishu("feishu-key", feishuEventCiphertext)
	if err != nil {
		t.Fatalf("DecryptFeishu: %v", err)
	}
	for _, want := range []string{`"event_type":"im.message.receive_v1"`, `"message_id":"om_1"`, "hi feishu"} {
		if !strings.Contains(string(plain), want) {
			t.Fatalf("decrypted event missing %q: %s", want, plain)
		}
	}

	if _, err := DecryptFeishu("wrong-key", feishuEventCiphertext); err == nil {
		t.Fatal("wrong key accepted")
	}
}

func TestPKCS7UnpadRejectsBadPadding(t *testing.T) {
	if _, err := pkcs7Unpad([]byte{}, 16); err == nil {
		t.Fatal("empty input accepted")
	}
	if _, err := pkcs7Unpad([]byte{1, 2, 3, 0}, 16); err == nil {
		t.Fatal("zero pad byte accepted")
	}
	if _, err := pkcs7Unpad([]byte{9, 9, 2, 3}, 16); err == nil {
		t.Fatal("inconsistent padding accepted")
	}
	out, err := pkcs7Unpad([]byte{7, 7, 2, 2}, 16)
	if err != nil || len(out) != 2 {
		t.Fatalf("out = %v, err = %v", out, err)
	}
}
