package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Роли покупателя и оператора.
const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

const (
	ctxIdentityKey  = "storefront.identity"
	defaultTokenTTL = time.Hour
	tokenIssuer     = "storefront"
	bearerPrefix    = "Bearer "
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrTokenSecret  = errors.New("jwt secret is required")
)

// Claims: полезная нагрузка HS256-токена.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Identity: проверенный владелец запроса.
type Identity struct {
	Email string
	Role  string
}

// IsAdmin сообщает, что запрос пришёл от оператора.
func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// TokenService выпускает и проверяет токены. Логин-интерфейс внешний, здесь только криптография.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService создаёт сервис токенов.
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrTokenSecret
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue подписывает токен для email и роли.
func (s *TokenService) Issue(email, role string) (string, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return "", errors.New("email is required")
	}
	if role == "" {
		role = RoleCustomer
	}

	now := s.now()
	claims := Claims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// Verify проверяет подпись и срок действия.
func (s *TokenService) Verify(token string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, errors.Mark(errors.Wrap(err, "parse token"), ErrInvalidToken)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Email == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Email: domain.NormalizeEmail(claims.Email), Role: claims.Role}, nil
}

// AuthMiddleware кладёт Identity в gin.Context.
type AuthMiddleware struct {
	tokens *TokenService
	logger *log.Entry
}

// NewAuthMiddleware создаёт middleware поверх TokenService.
func NewAuthMiddleware(tokens *TokenService, logger *log.Entry) *AuthMiddleware {
	if logger == nil {
		logger = log.WithField("component", "http-auth")
	}
	return &AuthMiddleware{tokens: tokens, logger: logger}
}

// OptionalAuth принимает гостей; невалидный токен тоже превращает запрос в гостевой.
func (m *AuthMiddleware) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.Next()
			return
		}
		identity, err := m.tokens.Verify(token)
		if err != nil {
			m.logger.WithError(err).Debug("optional auth: token ignored")
			c.Next()
			return
		}
		c.Set(ctxIdentityKey, identity)
		c.Next()
	}
}

// RequireAuth отвечает 401 без валидного токена.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			AbortWithError(c, http.StatusUnauthorized, codeUnauthorized, ErrInvalidToken, "access token required", nil)
			return
		}
		identity, err := m.tokens.Verify(token)
		if err != nil {
			m.logger.WithError(err).Warn("token validation failed")
			AbortWithError(c, http.StatusUnauthorized, codeUnauthorized, err, "invalid or expired token", nil)
			return
		}
		c.Set(ctxIdentityKey, identity)
		c.Next()
	}
}

// RequireRole ставится после RequireAuth.
func (m *AuthMiddleware) RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		if !ok {
			AbortWithError(c, http.StatusUnauthorized, codeUnauthorized, ErrInvalidToken, "access token required", nil)
			return
		}
		if identity.Role != role {
			m.logger.WithFields(log.Fields{"email": identity.Email, "role": identity.Role, "required": role}).Warn("insufficient role")
			AbortWithError(c, http.StatusForbidden, codeForbidden, errors.Newf("role %q required", role), "insufficient permissions", nil)
			return
		}
		c.Next()
	}
}

// IdentityFrom достаёт Identity, положенную auth-middleware.
func IdentityFrom(c *gin.Context) (Identity, bool) {
	value, ok := c.Get(ctxIdentityKey)
	if !ok {
		return Identity{}, false
	}
	identity, ok := value.(Identity)
	return identity, ok
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(header[len(bearerPrefix):])
}
