// Package auth authenticates staff members and manages operator accounts.
// Tokens are stateless JWTs; the middleware re-checks the account on every
// request so a disabled operator is locked out immediately.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/pkg/apperr"
	"github.com/echodesk/core/internal/pkg/jwt"
	"github.com/echodesk/core/internal/pkg/pagination"
	"github.com/echodesk/core/internal/pkg/response"
)

const tokenTTL = 7 * 24 * time.Hour

type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewService(db *gorm.DB, log *zap.Logger) *Service {
	return &Service{db: db, log: log.Named("auth")}
}

type LoginInput struct {
	Username  string `json:"username" binding:"required"`
	Password  string `json:"password" binding:"required"`
	ProjectID string `json:"project_id"`
}

type LoginResult struct {
	Token string             `json:"token"`
	Staff *models.StaffModel `json:"staff"`
}

// Login verifies credentials and issues a JWT scoped to the staff's project.
// Usernames are unique per project, so a name used in several projects needs
// an explicit project_id.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	q := s.db.WithContext(ctx).
		Where("username = ? AND is_active = ?", strings.TrimSpace(in.Username), true)
	if in.ProjectID != "" {
		q = q.Scopes(models.ScopedBy(in.ProjectID))
	}

	var staffs []models.StaffModel
	if err := q.Limit(2).Find(&staffs).Error; err != nil {
		return nil, err
	}
	switch len(staffs) {
	case 0:
		return nil, apperr.Unauthorized("invalid username or password")
	case 1:
	default:
		return nil, apperr.InvalidPayload("username exists in multiple projects, pass project_id")
	}

	staff := staffs[0]
	if bcrypt.CompareHashAndPassword([]byte(staff.PasswordHash), []byte(in.Password)) != nil {
		return nil, apperr.Unauthorized("invalid username or password")
	}

	token, err := jwt.Sign(staff.ID, staff.ProjectID, tokenTTL)
	if err != nil {
		return nil, err
	}

	s.log.Info("staff logged in",
		zap.String("staff_id", staff.ID),
		zap.String("project_id", staff.ProjectID))
	return &LoginResult{Token: token, Staff: &staff}, nil
}

// Me returns the authenticated staff row.
func (s *Service) Me(ctx context.Context, staffID string) (*models.StaffModel, error) {
	var staff models.StaffModel
	err := s.db.WithContext(ctx).First(&staff, "id = ?", staffID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("staff not found")
		}
		return nil, err
	}
	return &staff, nil
}

// UpdateMeInput is the self-service profile update. Password changes require
// the old password; ServicePaused lets an operator step out of rotation.
type UpdateMeInput struct {
	Name          *string `json:"name"`
	Nickname      *string `json:"nickname"`
	Description   *string `json:"description"`
	Status        *string `json:"status"`
	ServicePaused *bool   `json:"service_paused"`
	Password      *string `json:"password"`
	OldPassword   *string `json:"old_password"`
}

func (s *Service) UpdateMe(ctx context.Context, staffID string, in UpdateMeInput) (*models.StaffModel, error) {
	staff, err := s.Me(ctx, staffID)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if in.Name != nil && strings.TrimSpace(*in.Name) != "" {
		updates["name"] = strings.TrimSpace(*in.Name)
	}
	if in.Nickname != nil {
		updates["nickname"] = *in.Nickname
	}
	if in.Description != nil {
		updates["description"] = *in.Description
	}
	if in.Status != nil {
		updates["status"] = *in.Status
	}
	if in.ServicePaused != nil {
		updates["service_paused"] = *in.ServicePaused
	}
	if in.Password != nil {
		if in.OldPassword == nil ||
			bcrypt.CompareHashAndPassword([]byte(staff.PasswordHash), []byte(*in.OldPassword)) != nil {
			return nil, apperr.Forbidden("old password does not match")
		}
		hash, err := hashPassword(*in.Password)
		if err != nil {
			return nil, err
		}
		updates["password_hash"] = hash
	}
	if len(updates) == 0 {
		return staff, nil
	}

	if err := s.db.WithContext(ctx).Model(staff).Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.Me(ctx, staffID)
}

type CreateStaffInput struct {
	Username    string  `json:"username" binding:"required,min=3"`
	Password    string  `json:"password" binding:"required,min=6"`
	Name        string  `json:"name"`
	Role        string  `json:"role"`
	Description *string `json:"description"`
}

// CreateStaff adds an operator to a project. Admin only at the route level.
func (s *Service) CreateStaff(ctx context.Context, projectID string, in CreateStaffInput) (*models.StaffModel, error) {
	username := strings.TrimSpace(in.Username)
	role := in.Role
	if role == "" {
		role = models.StaffRoleUser
	}
	if role != models.StaffRoleUser && role != models.StaffRoleAdmin {
		return nil, apperr.InvalidPayload("role must be admin or user")
	}

	var count int64
	err := s.db.WithContext(ctx).Model(&models.StaffModel{}).
		Scopes(models.ScopedBy(projectID)).
		Where("username = ?", username).
		Count(&count).Error
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, apperr.Conflict("username %s is taken", username)
	}

	hash, err := hashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = username
	}

	staff := models.StaffModel{
		ProjectScoped: models.ProjectScoped{ProjectID: projectID},
		Username:      username,
		PasswordHash:  hash,
		Name:          name,
		Description:   in.Description,
		Role:          role,
		IsActive:      true,
	}
	if err := s.db.WithContext(ctx).Create(&staff).Error; err != nil {
		return nil, err
	}

	s.log.Info("staff created",
		zap.String("staff_id", staff.ID),
		zap.String("project_id", projectID),
		zap.String("role", role))
	return &staff, nil
}

type UpdateStaffInput struct {
	Name          *string `json:"name"`
	Nickname      *string `json:"nickname"`
	Description   *string `json:"description"`
	Role          *string `json:"role"`
	IsActive      *bool   `json:"is_active"`
	ServicePaused *bool   `json:"service_paused"`
	Password      *string `json:"password"`
}

func (s *Service) UpdateStaff(ctx context.Context, projectID, id string, in UpdateStaffInput) (*models.StaffModel, error) {
	staff, err := s.loadStaff(ctx, projectID, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if in.Name != nil && strings.TrimSpace(*in.Name) != "" {
		updates["name"] = strings.TrimSpace(*in.Name)
	}
	if in.Nickname != nil {
		updates["nickname"] = *in.Nickname
	}
	if in.Description != nil {
		updates["description"] = *in.Description
	}
	if in.Role != nil {
		if *in.Role != models.StaffRoleUser && *in.Role != models.StaffRoleAdmin {
			return nil, apperr.InvalidPayload("role must be admin or user")
		}
		updates["role"] = *in.Role
	}
	if in.IsActive != nil {
		updates["is_active"] = *in.IsActive
	}
	if in.ServicePaused != nil {
		updates["service_paused"] = *in.ServicePaused
	}
	if in.Password != nil {
		hash, err := hashPassword(*in.Password)
		if err != nil {
			return nil, err
		}
		updates["password_hash"] = hash
	}
	if len(updates) == 0 {
		return staff, nil
	}

	if err := s.db.WithContext(ctx).Model(staff).Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.loadStaff(ctx, projectID, id)
}

// DeleteStaff tombstones an operator. Removing your own account is refused.
func (s *Service) DeleteStaff(ctx context.Context, projectID, id, actorID string) error {
	if id == actorID {
		return apperr.Conflict("cannot remove your own account")
	}
	staff, err := s.loadStaff(ctx, projectID, id)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Delete(staff).Error
}

func (s *Service) ListStaffs(ctx context.Context, projectID string, q pagination.Query) ([]models.StaffModel, response.Pagination, error) {
	db := s.db.WithContext(ctx).Model(&models.StaffModel{}).
		Scopes(models.ScopedBy(projectID)).
		Order("created_at ASC")

	var rows []models.StaffModel
	page, err := pagination.Paginate(db, q, &rows)
	return rows, page, err
}

func (s *Service) loadStaff(ctx context.Context, projectID, id string) (*models.StaffModel, error) {
	var staff models.StaffModel
	err := s.db.WithContext(ctx).
		Scopes(models.ScopedBy(projectID)).
		First(&staff, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("staff %s not found", id)
		}
		return nil, err
	}
	return &staff, nil
}

// SeedAdmin bootstraps an empty install: a default project plus an admin
// account. The password comes from ED_ADMIN_PASSWORD or is generated and
// logged once.
func (s *Service) SeedAdmin(ctx context.Context) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.StaffModel{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	var project models.ProjectModel
	err := s.db.WithContext(ctx).Order("created_at ASC").First(&project).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		project = models.ProjectModel{Name: "Default", IsActive: true}
		if err := s.db.WithContext(ctx).Create(&project).Error; err != nil {
			return err
		}
	case err != nil:
		return err
	}

	password := os.Getenv("ED_ADMIN_PASSWORD")
	generated := false
	if password == "" {
		buf := make([]byte, 12)
		if _, err := rand.Read(buf); err != nil {
			return err
		}
		password = hex.EncodeToString(buf)
		generated = true
	}
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}

	staff := models.StaffModel{
		ProjectScoped: models.ProjectScoped{ProjectID: project.ID},
		Username:      "admin",
		PasswordHash:  hash,
		Name:          "Administrator",
		Role:          models.StaffRoleAdmin,
		IsActive:      true,
	}
	if err := s.db.WithContext(ctx).Create(&staff).Error; err != nil {
		return err
	}

	if generated {
		s.log.Warn("seeded initial admin account, change the password after first login",
			zap.String("username", "admin"),
			zap.String("password", password),
			zap.String("project_id", project.ID))
	} else {
		s.log.Info("seeded initial admin account",
			zap.String("username", "admin"),
			zap.String("project_id", project.ID))
	}
	return nil
}

func hashPassword(plain string) (string, error) {
	if len(plain) < 6 {
		return "", apperr.InvalidPayload("password must be at least 6 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
