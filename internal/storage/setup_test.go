package storage

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/real-rm/goconfig"
	"github.com/real-rm/golog"
	"github.com/real-rm/gomongo"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

const testDB = "notifier"

var (
	// Shared MongoDB client for all tests
	sharedMongoClient *gomongo.Mongo
	sharedLogger      *golog.Logger
	mongoInitOnce     sync.Once
	mongoInitError    error
)

// getSharedMongoClient returns a shared MongoDB client for all tests.
// gomongo can only be initialised once per process.
func getSharedMongoClient(t *testing.T) (*gomongo.Mongo, *golog.Logger) {
	mongoInitOnce.Do(func() {
		if os.Getenv("SKIP_MONGO_TESTS") != "" {
			mongoInitError = fmt.Errorf("SKIP_MONGO_TESTS is set")
			return
		}

		mongoURI := os.Getenv("MONGO_URI")
		if mongoURI == "" {
			mongoURI = "mongodb://127.0.0.1:27017/notifier"
		}

		configContent := fmt.Sprintf(`
[dbs]
verbose = 1
slowThreshold = 2

[dbs.%s]
uri = "%s"
`, testDB, mongoURI)

		tmpFile, err := os.CreateTemp("", "notifier_storage_*.toml")
		if err != nil {
			mongoInitError = fmt.Errorf("failed to create temp config: %w", err)
			return
		}
		defer tmpFile.Close()

		if _, err = tmpFile.WriteString(configContent); err != nil {
			mongoInitError = fmt.Errorf("failed to write config: %w", err)
			return
		}

		os.Setenv("RMBASE_FILE_CFG", tmpFile.Name())

		goconfig.ResetConfig()
		if err = goconfig.LoadConfig(); err != nil {
			mongoInitError = fmt.Errorf("failed to load config: %w", err)
			return
		}

		configAccessor, err := goconfig.Default()
		if err != nil {
			mongoInitError = fmt.Errorf("failed to get config accessor: %w", err)
			return
		}

		sharedLogger, err = golog.InitLog(golog.LogConfig{
			Level:          "error",
			StandardOutput: false,
			Dir:            os.TempDir(),
		})
		if err != nil {
			mongoInitError = fmt.Errorf("failed to initialize logger: %w", err)
			return
		}

		sharedMongoClient, err = gomongo.InitMongoDB(sharedLogger, configAccessor)
		if err != nil {
			mongoInitError = fmt.Errorf("failed to initialize MongoDB: %w", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err = sharedMongoClient.Coll(testDB, "test_connection").InsertOne(ctx, bson.M{"test": "connection"}); err != nil {
			mongoInitError = fmt.Errorf("failed to verify connection: %w", err)
			return
		}
	})

	if mongoInitError != nil {
		t.Skipf("Skipping MongoDB tests: %v", mongoInitError)
		return nil, nil
	}

	return sharedMongoClient, sharedLogger
}

// setupTestStore creates a store over collections unique to the calling test.
func setupTestStore(t *testing.T, encryptionKey []byte) *Store {
	mongoClient, logger := getSharedMongoClient(t)
	require.NotNil(t, mongoClient)

	suffix := fmt.Sprintf("%d_%s", time.Now().UnixNano(), strings.ReplaceAll(t.Name(), "/", "_"))
	messagesColl := "test_messages_" + suffix
	usersColl := "test_users_" + suffix
	store := newStore(mongoClient, testDB, messagesColl, usersColl, logger, encryptionKey)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		db, _ := mongoClient.Database(testDB)
		if db != nil {
			db.Coll(messagesColl).Drop(ctx)
			db.Coll(usersColl).Drop(ctx)
		}
	})

	return store
}
