package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/agentmux/agentmux/internal/models"
)

// OperatorPasswordKey is the settings key holding the bcrypt hash the
// operator authenticates with.
const OperatorPasswordKey = "operator_password_hash"

const tokenTTL = 24 * time.Hour

// SetOperatorPassword stores the bcrypt hash of password in settings,
// replacing any previous one.
func SetOperatorPassword(db *gorm.DB, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	var setting models.Setting
	result := db.Where("key = ?", OperatorPasswordKey).First(&setting)
	if result.Error != nil {
		setting = models.Setting{Key: OperatorPasswordKey, Value: string(hash)}
		return db.Create(&setting).Error
	}
	return db.Model(&setting).Update("value", string(hash)).Error
}

// IssueToken exchanges the operator password for a signed bearer token.
func (s *Server) IssueToken(c *fiber.Ctx) error {
	if len(s.jwtSecret) == 0 {
		return fiber.NewError(fiber.StatusNotFound, "authentication is disabled")
	}

	var req TokenRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	var setting models.Setting
	if err := s.db.Where("key = ?", OperatorPasswordKey).First(&setting).Error; err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(setting.Value), []byte(req.Password)); err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid credentials")
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "operator",
		Issuer:    "agentmux",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	})
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to sign token")
	}

	return c.JSON(TokenResponse{Token: signed, ExpiresIn: int(tokenTTL.Seconds())})
}
