package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// GeneratePKCE はPKCE（RFC 7636）のverifier/challengeペアを生成する。
// verifierは32バイトの乱数をbase64url（パディングなし）でエンコードした
// 43文字の文字列、challengeはそのSHA-256ダイジェストの同エンコード。
// 乱数源の失敗は認可試行ごと中断すべき致命的エラーとして返す。
func GeneratePKCE() (verifier, challenge string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(b)
	challenge = ChallengeFromVerifier(verifier)
	return verifier, challenge, nil
}

// ChallengeFromVerifier はverifierからS256方式のchallengeを計算する。
func ChallengeFromVerifier(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NewState はCSRF対策用のstateトークンを発行する。
// セッション間で衝突しない一意性が確率的に保証されればよく、
// 公開セッション情報から導出不可能であること。
func NewState() string {
	return uuid.New().String()
}
