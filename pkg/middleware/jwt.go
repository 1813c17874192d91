package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
// 認証層（外部）が発行したトークンから利用者と組織を特定するために使用する。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// OrgID はユーザーが所属する組織の識別子。
	OrgID string `json:"org_id,omitempty"`
}

const (
	// contextKeyUserID はGinコンテキストにユーザーIDを格納するキー。
	contextKeyUserID = "user_id"
	// contextKeyOrgID はGinコンテキストに組織IDを格納するキー。
	contextKeyOrgID = "org_id"
	// queryKeyToken はAuthorizationヘッダーを付与できないクライアント（ブラウザのWebSocket）向けのクエリキー。
	queryKeyToken = "token"
	// issuer はトークンの発行者名。
	issuer = "stayops-auth"
)

// GenerateJWT はユーザー情報からJWTトークンを生成する。
// 本番では認証層が発行するため、主に開発用トークンとテストで使用する。
func GenerateJWT(secret, userID, orgID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   userID,
		},
		UserID: userID,
		OrgID:  orgID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// トークンはAuthorizationヘッダー（Bearer）または ?token= クエリから取得する。
// 検証に成功した場合、コンテキストに "user_id" と "org_id" を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, msg := extractToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		claims := &JWTClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid || claims.UserID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		c.Set(contextKeyUserID, claims.UserID)
		c.Set(contextKeyOrgID, claims.OrgID)
		c.Next()
	}
}

// extractToken はリクエストからトークン文字列を取り出す。
// 取り出せない場合は空文字列とエラーメッセージを返す。
func extractToken(c *gin.Context) (string, string) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found || tokenString == "" {
			return "", "Bearer トークン形式が不正です"
		}
		return tokenString, ""
	}
	if q := c.Query(queryKeyToken); q != "" {
		return q, ""
	}
	return "", "認証トークンが必要です"
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	return c.GetString(contextKeyUserID)
}

// GetOrgID はGinコンテキストから組織IDを取得する。
func GetOrgID(c *gin.Context) string {
	return c.GetString(contextKeyOrgID)
}
