package middleware

import (
	"errors"
	"strings"

	"github.com/echodesk/core/internal/pkg/jwt"
	"github.com/echodesk/core/internal/pkg/response"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const (
	ContextKeyStaffID   = "staff_id"
	ContextKeyProjectID = "project_id"
	ContextKeyStaffRole = "staff_role"
)

// Auth returns a middleware that enforces staff JWT authentication.
func Auth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, role, err := ValidateTokenClaims(db, extractToken(c))
		if err != nil {
			response.Unauthorized(c)
			return
		}
		c.Set(ContextKeyStaffID, claims.StaffID)
		c.Set(ContextKeyStaffRole, role)
		if claims.ProjectID != "" {
			c.Set(ContextKeyProjectID, claims.ProjectID)
		}
		c.Next()
	}
}

// OptionalAuth sets staff identity if a valid token is present, but does not
// block the request.
func OptionalAuth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if claims, role, err := ValidateTokenClaims(db, extractToken(c)); err == nil && claims.StaffID != "" {
			c.Set(ContextKeyStaffID, claims.StaffID)
			c.Set(ContextKeyStaffRole, role)
			if claims.ProjectID != "" {
				c.Set(ContextKeyProjectID, claims.ProjectID)
			}
		}
		c.Next()
	}
}

// RequireAdmin blocks non-admin staff. Must run after Auth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if CurrentStaffRole(c) != "admin" {
			response.Forbidden(c)
			return
		}
		c.Next()
	}
}

// ValidateToken validates a staff JWT and returns the authenticated staff id.
func ValidateToken(db *gorm.DB, rawToken string) (string, error) {
	claims, _, err := ValidateTokenClaims(db, rawToken)
	if err != nil {
		return "", err
	}
	return claims.StaffID, nil
}

// ValidateTokenClaims validates a staff JWT and confirms the staff account
// still exists and is active. Returns the claims and the staff role.
func ValidateTokenClaims(db *gorm.DB, rawToken string) (*jwt.Claims, string, error) {
	token := NormalizeToken(rawToken)
	if token == "" {
		return nil, "", errors.New("token is required")
	}

	claims, err := jwt.Parse(token)
	if err != nil {
		return nil, "", err
	}

	var row struct {
		Role     string
		IsActive bool
	}
	err = db.Table("staffs").
		Select("role, is_active").
		Where("id = ? AND deleted_at IS NULL", claims.StaffID).
		Scan(&row).Error
	if err != nil {
		return nil, "", err
	}
	if row.Role == "" {
		return nil, "", errors.New("staff not found")
	}
	if !row.IsActive {
		return nil, "", errors.New("staff account disabled")
	}
	return claims, row.Role, nil
}

// CurrentStaffID extracts the authenticated staff ID from context.
func CurrentStaffID(c *gin.Context) string {
	v, _ := c.Get(ContextKeyStaffID)
	id, _ := v.(string)
	return id
}

// CurrentProjectID extracts the token-scoped project ID from context.
func CurrentProjectID(c *gin.Context) string {
	v, _ := c.Get(ContextKeyProjectID)
	id, _ := v.(string)
	return id
}

// CurrentStaffRole extracts the authenticated staff role from context.
func CurrentStaffRole(c *gin.Context) string {
	v, _ := c.Get(ContextKeyStaffRole)
	role, _ := v.(string)
	return role
}

// IsAuthenticated returns true if the request has a valid auth token.
func IsAuthenticated(c *gin.Context) bool {
	return CurrentStaffID(c) != ""
}

func extractToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if auth != "" {
		return NormalizeToken(auth)
	}
	return NormalizeToken(c.Query("token"))
}

// NormalizeToken trims spaces and strips optional Bearer prefix.
func NormalizeToken(raw string) string {
	token := strings.TrimSpace(raw)
	if token == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		return strings.TrimSpace(token[7:])
	}
	return token
}
