package database

import (
	"fmt"

	"github.com/echodesk/core/internal/config"
	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/pkg/cluster"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the global database instance.
var DB *gorm.DB

// Connect opens a Postgres connection and optionally runs auto-migration.
func Connect(cfg *config.AppConfig, autoMigrate bool) (*gorm.DB, error) {
	db, err := openDB(cfg, resolveLogLevel(cfg))
	if err != nil {
		return nil, err
	}

	if autoMigrate {
		if err := migrate(db); err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
	}

	DB = db
	return db, nil
}

// EnsureSchema applies database migration in a short-lived setup connection.
func EnsureSchema(cfg *config.AppConfig) error {
	db, err := openDB(cfg, resolveLogLevel(cfg))
	if err != nil {
		return err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("resolve sql db: %w", err)
	}
	defer sqlDB.Close()

	if err := migrate(db); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func resolveLogLevel(cfg *config.AppConfig) logger.LogLevel {
	logLevel := logger.Warn
	if cfg.IsDev() {
		if cluster.ShouldLogDevDiagnostics() {
			logLevel = logger.Info
		} else {
			logLevel = logger.Silent
		}
	}
	return logLevel
}

func openDB(cfg *config.AppConfig, logLevel logger.LogLevel) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return db, nil
}

// migrate runs GORM auto-migration for all models plus the raw DDL that
// GORM tags cannot express: the pgvector extension, the generated tsvector
// column with its GIN index, the HNSW vector index and the partial unique
// indexes that skip soft-deleted rows.
func migrate(db *gorm.DB) error {
	if db.Dialector.Name() == "postgres" {
		if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create vector extension: %w", err)
		}
	}

	if err := db.AutoMigrate(
		&models.ProjectModel{},
		&models.StaffModel{},
		&models.CollectionModel{},
		&models.FileModel{},
		&models.FileDocumentModel{},
		&models.QAPairModel{},
		&models.WebsiteCrawlJobModel{},
		&models.WebsitePageModel{},
		&models.EmbeddingConfigModel{},
		&models.PlatformModel{},
		&models.WeComInboxModel{},
		&models.WeComBotInboxModel{},
		&models.FeishuInboxModel{},
		&models.DingTalkInboxModel{},
		&models.TelegramInboxModel{},
		&models.WuKongIMInboxModel{},
		&models.VisitorModel{},
		&models.VisitorSessionModel{},
		&models.VisitorAssignmentRuleModel{},
		&models.VisitorWaitingQueueModel{},
		&models.VisitorAssignmentHistoryModel{},
		&models.ChannelMemberModel{},
		&models.OptionModel{},
	); err != nil {
		return err
	}

	if db.Dialector.Name() == "postgres" {
		statements := []string{
			`ALTER TABLE file_documents ADD COLUMN IF NOT EXISTS content_tsv tsvector
				GENERATED ALWAYS AS (to_tsvector('simple', coalesce(content, ''))) STORED`,
			`CREATE INDEX IF NOT EXISTS idx_file_documents_content_tsv
				ON file_documents USING gin (content_tsv)`,
			`CREATE INDEX IF NOT EXISTS idx_file_documents_embedding
				ON file_documents USING hnsw (embedding vector_cosine_ops)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS uniq_qa_pairs_collection_question
				ON qa_pairs (collection_id, question_hash) WHERE deleted_at IS NULL`,
			`CREATE UNIQUE INDEX IF NOT EXISTS uniq_embedding_configs_active
				ON embedding_configs (project_id) WHERE is_active`,
			`CREATE UNIQUE INDEX IF NOT EXISTS uniq_visitors_platform_open_id
				ON visitors (platform_id, platform_open_id) WHERE deleted_at IS NULL`,
			`CREATE UNIQUE INDEX IF NOT EXISTS uniq_staffs_project_username
				ON staffs (project_id, username) WHERE deleted_at IS NULL`,
			`CREATE UNIQUE INDEX IF NOT EXISTS uniq_channel_members_active
				ON channel_members (channel_id, member_id) WHERE deleted_at IS NULL`,
			`CREATE UNIQUE INDEX IF NOT EXISTS uniq_waiting_queue_visitor
				ON visitor_waiting_queues (project_id, visitor_id) WHERE status = 'WAITING'`,
		}
		for _, stmt := range statements {
			if err := db.Exec(stmt).Error; err != nil {
				return err
			}
		}
	}

	return nil
}
