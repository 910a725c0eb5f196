package board

import (
	"encoding/json"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/golang/glog"

	"go.etcd.io/bbolt"
)

// storage keys shared with the browser client
const (
	accessTokenKey  = "whiteboard_access_token"
	refreshTokenKey = "whiteboard_refresh_token"
	userDataKey     = "whiteboard_user"
)

// TokenStore owns the credential pair and the cached user profile.
// Reads and writes are atomic: a reader never observes a half-written pair.
// The pair is mutated only by login/register, by the gateway's refresh,
// or cleared by logout and terminal refresh failure.
type TokenStore interface {
	Get() *Tokens
	Save(tokens *Tokens)
	GetUser() *User
	SaveUser(user *User)
	Clear()
}

// AccessTokenExpired probes the exp claim of the access token without
// verifying the signature (only the server holds the signing key).
// An unparseable token is reported expired.
func AccessTokenExpired(accessToken string, leeway time.Duration) bool {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(accessToken, gojwt.MapClaims{})
	if err != nil {
		return true
	}
	expiration, err := token.Claims.GetExpirationTime()
	if err != nil || expiration == nil {
		return true
	}
	return expiration.Before(time.Now().Add(leeway))
}

type MemoryTokenStore struct {
	mutex  sync.Mutex
	tokens *Tokens
	user   *User
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

func (self *MemoryTokenStore) Get() *Tokens {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.tokens == nil {
		return nil
	}
	tokens := *self.tokens
	return &tokens
}

func (self *MemoryTokenStore) Save(tokens *Tokens) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if tokens == nil {
		self.tokens = nil
		return
	}
	copy := *tokens
	self.tokens = &copy
}

func (self *MemoryTokenStore) GetUser() *User {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.user == nil {
		return nil
	}
	user := *self.user
	return &user
}

func (self *MemoryTokenStore) SaveUser(user *User) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if user == nil {
		self.user = nil
		return
	}
	copy := *user
	self.user = &copy
}

func (self *MemoryTokenStore) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.tokens = nil
	self.user = nil
}

var sessionBucket = []byte("session")

// FileTokenStore persists the session under the fixed keys in a bbolt
// file, so credentials survive process restarts the way the browser
// client's localStorage does. Storage errors degrade to a missing value
// rather than failing the caller.
type FileTokenStore struct {
	mutex sync.Mutex
	db    *bbolt.DB
}

func NewFileTokenStore(path string) (*FileTokenStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &FileTokenStore{
		db: db,
	}, nil
}

func (self *FileTokenStore) Get() *Tokens {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	var tokens *Tokens
	err := self.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(sessionBucket)
		access := bucket.Get([]byte(accessTokenKey))
		refresh := bucket.Get([]byte(refreshTokenKey))
		if access == nil && refresh == nil {
			return nil
		}
		tokens = &Tokens{
			Access:  string(access),
			Refresh: string(refresh),
		}
		return nil
	})
	if err != nil {
		glog.Infof("[token]read error = %s\n", err)
		return nil
	}
	return tokens
}

func (self *FileTokenStore) Save(tokens *Tokens) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	err := self.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(sessionBucket)
		if tokens == nil {
			if err := bucket.Delete([]byte(accessTokenKey)); err != nil {
				return err
			}
			return bucket.Delete([]byte(refreshTokenKey))
		}
		if err := bucket.Put([]byte(accessTokenKey), []byte(tokens.Access)); err != nil {
			return err
		}
		return bucket.Put([]byte(refreshTokenKey), []byte(tokens.Refresh))
	})
	if err != nil {
		glog.Infof("[token]write error = %s\n", err)
	}
}

func (self *FileTokenStore) GetUser() *User {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	var user *User
	err := self.db.View(func(tx *bbolt.Tx) error {
		userData := tx.Bucket(sessionBucket).Get([]byte(userDataKey))
		if userData == nil {
			return nil
		}
		user = &User{}
		return json.Unmarshal(userData, user)
	})
	if err != nil {
		glog.Infof("[token]user read error = %s\n", err)
		return nil
	}
	return user
}

func (self *FileTokenStore) SaveUser(user *User) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	err := self.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(sessionBucket)
		if user == nil {
			return bucket.Delete([]byte(userDataKey))
		}
		userData, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(userDataKey), userData)
	})
	if err != nil {
		glog.Infof("[token]user write error = %s\n", err)
	}
}

func (self *FileTokenStore) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	err := self.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(sessionBucket)
		for _, key := range []string{accessTokenKey, refreshTokenKey, userDataKey} {
			if err := bucket.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		glog.Infof("[token]clear error = %s\n", err)
	}
}

func (self *FileTokenStore) Close() error {
	return self.db.Close()
}
