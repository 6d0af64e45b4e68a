package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	pb "points-ledger/proto/ledger"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	ctxUsername = "username"
	ctxRole     = "role"

	RoleAdmin = "admin"
)

// Claims 由上游认证服务签发，这里只解析
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AuthRequired 校验 HS256 Bearer token，并把 sub/role 写入上下文
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, apiResponse{Code: -1, Message: "未配置 JWT_SECRET"})
			return
		}
		header := c.GetHeader("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, apiResponse{Code: -1, Message: "缺少认证信息"})
			return
		}

		claims, err := parseToken(secret, tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, apiResponse{Code: -1, Message: "无效的 token"})
			return
		}

		c.Set(ctxUsername, claims.Subject)
		c.Set(ctxRole, claims.Role)
		c.Next()
	}
}

func RoleRequired(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(ctxRole)
		for _, r := range roles {
			if role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, apiResponse{Code: -1, Message: "权限不足"})
	}
}

var errInvalidToken = errors.New("无效的 token")

// parseToken 只接受 HS256 且带 sub 的 token
func parseToken(secret, tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid || claims.Subject == "" {
		return nil, errInvalidToken
	}
	return claims, nil
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

var (
	grpcPublicMethods = map[string]bool{
		"/" + pb.ServiceName + "/ListPackages": true,
	}
	grpcAdminMethods = map[string]bool{
		"/" + pb.ServiceName + "/ListOrders":   true,
		"/" + pb.ServiceName + "/ConfirmOrder": true,
	}
)

// UnaryAuthInterceptor gRPC 与 HTTP 使用同一套 JWT 规则，token 放在 authorization 元数据中
func UnaryAuthInterceptor(secret string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if grpcPublicMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		if secret == "" {
			return nil, status.Error(codes.Unavailable, "未配置 JWT_SECRET")
		}

		var tokenStr string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if values := md.Get("authorization"); len(values) > 0 {
				if t, ok := strings.CutPrefix(values[0], "Bearer "); ok {
					tokenStr = t
				}
			}
		}
		if tokenStr == "" {
			return nil, status.Error(codes.Unauthenticated, "缺少认证信息")
		}
		claims, err := parseToken(secret, tokenStr)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		if grpcAdminMethods[info.FullMethod] && claims.Role != RoleAdmin {
			return nil, status.Error(codes.PermissionDenied, "权限不足")
		}
		return handler(context.WithValue(ctx, claimsKey{}, claims), req)
	}
}
