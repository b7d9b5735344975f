package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// AuthMiddleware 本地校验 access token（HS256 共享密钥），把 userId/username 写进上下文。
// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
func AuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(401, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
			return secret, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(401, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "invalid token",
			})
			return
		}
		claims, ok := token.Claims.(*Claims)
		if !ok {
			c.AbortWithStatusJSON(401, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "invalid token claims",
			})
			return
		}
		if claims.Type != "" && claims.Type != "access" {
			c.AbortWithStatusJSON(401, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "access token required",
			})
			return
		}

		c.Set("userId", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

// AccessChecker 是外部权限系统的能力检查口子：是/否 + 原因
type AccessChecker interface {
	HasCapability(ctx context.Context, userID uint64, workspaceID, capability string) (bool, string, error)
}

// RequireCapability 对带 workspace 上下文的请求做能力检查。
// workspaceId 从 Header 取，WebSocket 场景允许 query 兜底
func RequireCapability(checker AccessChecker, capability string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if checker == nil {
			// 没接权限系统时放行（本地开发）
			c.Next()
			return
		}
		workspaceID := c.GetHeader("X-Workspace-Id")
		if workspaceID == "" {
			workspaceID = strings.TrimSpace(c.Query("workspaceId"))
		}
		if workspaceID == "" {
			c.AbortWithStatusJSON(400, gin.H{
				"code":    "INVALID_OPERATION",
				"message": "workspaceId is required",
			})
			return
		}

		allowed, reason, err := checker.HasCapability(c.Request.Context(), c.GetUint64("userId"), workspaceID, capability)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"code":    "ACCESS_UPSTREAM_ERROR",
				"message": "capability check failed",
			})
			return
		}
		if !allowed {
			if reason == "" {
				reason = "capability " + capability + " denied"
			}
			// 鉴权失败是终态，不重试，原样暴露原因
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "PERMISSION_DENIED",
				"message": reason,
			})
			return
		}
		c.Set("workspaceId", workspaceID)
		c.Next()
	}
}

type checkReq struct {
	UserID      uint64 `json:"userId"`
	WorkspaceID string `json:"workspaceId"`
	Capability  string `json:"capability"`
}

type checkResp struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// httpAccessChecker 调工作区权限服务做检查
type httpAccessChecker struct {
	client   *http.Client
	checkURL string
}

// accessBaseURL 不要带路径：建议是 http://localhost:3002，这里自己拼 + "/v1/access/check"
func NewHTTPAccessChecker(accessBaseURL string) AccessChecker {
	return &httpAccessChecker{
		client:   &http.Client{},
		checkURL: strings.TrimRight(accessBaseURL, "/") + "/v1/access/check",
	}
}

func (a *httpAccessChecker) HasCapability(ctx context.Context, userID uint64, workspaceID, capability string) (bool, string, error) {
	body, err := json.Marshal(checkReq{UserID: userID, WorkspaceID: workspaceID, Capability: capability})
	if err != nil {
		return false, "", err
	}

	reqCtx, cancel := context.WithTimeout(ctx, 1200*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.checkURL, bytes.NewReader(body))
	if err != nil {
		return false, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		// 这里包含超时：context deadline exceeded
		return false, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		var r checkResp
		_ = json.NewDecoder(resp.Body).Decode(&r) // 尽力解析原因
		return false, r.Reason, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, "", errUpstream(resp.StatusCode)
	}

	var r checkResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return false, "", err
	}
	return r.Allowed, r.Reason, nil
}

type errUpstream int

func (e errUpstream) Error() string { return "access service returned non-200" }

func extractBearer(header string) string {
	if header == "" {
		return ""
	}

	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}

	return ""
}
