package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	bolt "go.etcd.io/bbolt"

	"docqa-web-ui/internal/models"
)

// BoltDB is the client-side cache. The backend owns the data of record; this
// store keeps the credential session across restarts and a local transcript
// per chat session so the UI can re-render without refetching and flush
// completed turns to the backend's save endpoint.
type BoltDB struct {
	db *bolt.DB
}

var (
	chatsBucket      = []byte("chats")
	credentialBucket = []byte("credential")
	credentialKey    = []byte("current")
)

// NewBoltDB opens (or creates) the database at path and initializes the
// buckets. The database file is created with 0600 permissions.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(chatsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(credentialBucket)
		return err
	})

	return BoltDB{db: db}, err
}

func messageBucketName(chatID string) []byte {
	return []byte(fmt.Sprintf("chat-%s", chatID))
}

// Credential returns the stored credential session, or nil when nobody is
// logged in.
func (b BoltDB) Credential(context.Context) (*models.Credential, error) {
	var cred *models.Credential
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(credentialBucket)
		if bk == nil {
			return nil
		}
		v := bk.Get(credentialKey)
		if v == nil {
			return nil
		}

		cred = &models.Credential{}
		if err := json.Unmarshal(v, cred); err != nil {
			return fmt.Errorf("failed to unmarshal credential: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// PutCredential replaces the stored credential session.
func (b BoltDB) PutCredential(_ context.Context, cred models.Credential) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		v, err := json.Marshal(cred)
		if err != nil {
			return fmt.Errorf("failed to marshal credential: %w", err)
		}
		return tx.Bucket(credentialBucket).Put(credentialKey, v)
	})
}

// DeleteCredential removes the stored credential session at logout.
func (b BoltDB) DeleteCredential(context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(credentialBucket).Delete(credentialKey)
	})
}

// Chats retrieves all cached chat sessions, newest first.
func (b BoltDB) Chats(context.Context) ([]models.Chat, error) {
	var chats []models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(chatsBucket)
		if bk == nil {
			return nil
		}

		return bk.ForEach(func(_, v []byte) error {
			var chat models.Chat
			if err := json.Unmarshal(v, &chat); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			chats = append(chats, chat)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(chats)
	return chats, nil
}

// AddChat caches a chat session under its backend-assigned ID and creates the
// associated message bucket. Adding an already-cached chat refreshes it.
func (b BoltDB) AddChat(_ context.Context, chat models.Chat) (string, error) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(messageBucketName(chat.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}
		return tx.Bucket(chatsBucket).Put([]byte(chat.ID), v)
	})

	return chat.ID, err
}

// UpdateChat modifies a cached chat session. Unknown chats are silently
// ignored.
func (b BoltDB) UpdateChat(_ context.Context, chat models.Chat) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(chatsBucket)
		if bk.Get([]byte(chat.ID)) == nil {
			return nil
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}
		return bk.Put([]byte(chat.ID), v)
	})
}

// Messages retrieves the cached transcript of a chat session in insertion
// order.
func (b BoltDB) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messageBucketName(chatID))
		if bk == nil {
			return nil
		}

		return bk.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessage appends a message to a chat's transcript. The stored ID gains a
// zero-padded sequence prefix so byte-wise bucket iteration preserves
// insertion order; the new ID is returned.
func (b BoltDB) AddMessage(_ context.Context, chatID string, message models.Message) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(messageBucketName(chatID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		idPrefix, err := bk.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%016d-%s", idPrefix, message.ID)
		message.ID = newID

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return bk.Put([]byte(newID), v)
	})

	return newID, err
}

// UpdateMessage overwrites a message in a chat's transcript. This is how an
// assistant message grows while its answer streams. Unknown messages are
// silently ignored.
func (b BoltDB) UpdateMessage(_ context.Context, chatID string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messageBucketName(chatID))
		if bk == nil {
			return nil
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return bk.Put([]byte(message.ID), v)
	})
}

// Close releases the underlying database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}
