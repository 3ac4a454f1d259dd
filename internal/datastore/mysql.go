package datastore

import (
	"fmt"
	"net"
	"strconv"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/tphakala/questvision/internal/conf"
	"github.com/tphakala/questvision/internal/logger"
)

// MySQLStore implements Interface for MySQL
type MySQLStore struct {
	DataStore
	Settings *conf.Settings
	// DSN overrides the connection string built from Settings.
	DSN string
}

// Open sets up the MySQL database connection and migrates the schema.
func (store *MySQLStore) Open() error {
	log := store.Logger.Module("mysql")
	m := store.Settings.Database.MySQL

	dsn := store.DSN
	if dsn == "" {
		dsn = mysqlDSN(&m)
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(log, store.Settings.Database.SlowThreshold),
	})
	if err != nil {
		log.Error("failed to open MySQL database",
			logger.String("host", m.Host),
			logger.Int("port", m.Port),
			logger.String("database", m.Database),
			logger.Error(err))
		return dbError(fmt.Errorf("failed to open MySQL database: %w", err), "open").Build()
	}

	store.DB = db
	return performAutoMigration(db, log, "mysql")
}

// Close closes the MySQL database connection.
func (store *MySQLStore) Close() error {
	return store.closeDB()
}

func mysqlDSN(m *conf.MySQLSettings) string {
	cfg := mysqldriver.NewConfig()
	cfg.User = m.Username
	cfg.Passwd = m.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
	cfg.DBName = m.Database
	cfg.ParseTime = true
	cfg.Loc = time.Local
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}
