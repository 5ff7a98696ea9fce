package user

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Repository 用戶倉儲接口
type Repository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	Save(ctx context.Context, u *User) error
	AddEphemeralKey(ctx context.Context, ownerID string, key EphemeralKey) error
	AttachEphemeralPublicKey(ctx context.Context, ownerID, keyID, publicKey string) error
	ClaimEphemeralKey(ctx context.Context, ownerID, keyID string, now time.Time) (bool, error)
	PruneExpiredKeys(ctx context.Context, now time.Time) (int64, error)
	UpdateSecuritySettings(ctx context.Context, id string, settings SecuritySettings) error
}

// User 用戶數據模型
// PublicKey 是身份公鑰（由外部身份層簽發驗證），
// EncryptionPublicKey 是長期加密公鑰（SPKI DER base64），
// 臨時密鑰池保存單次使用的 X25519 公鑰，私鑰只存在於持有方設備
type User struct {
	ID                  string           `bson:"_id" json:"id"`
	Username            string           `bson:"username" json:"username"`
	PublicKey           string           `bson:"public_key" json:"public_key"`
	EncryptionPublicKey string           `bson:"encryption_public_key,omitempty" json:"encryption_public_key,omitempty"`
	Verified            bool             `bson:"verified" json:"verified"`
	EphemeralKeys       []EphemeralKey   `bson:"ephemeral_keys" json:"ephemeral_keys"`
	SecuritySettings    SecuritySettings `bson:"security_settings" json:"security_settings"`
	IsOnline            bool             `bson:"is_online" json:"is_online"`
	LastSeen            time.Time        `bson:"last_seen" json:"last_seen"`
	CreatedAt           time.Time        `bson:"created_at" json:"created_at"`
	UpdatedAt           time.Time        `bson:"updated_at" json:"updated_at"`
}

// EphemeralKey 臨時密鑰池條目
// PublicKey 為空表示已分配但公鑰尚未附加，不可被選取
type EphemeralKey struct {
	ID        string    `bson:"id" json:"id"`
	PublicKey string    `bson:"public_key" json:"public_key"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	ExpiresAt time.Time `bson:"expires_at" json:"expires_at"`
	Used      bool      `bson:"used" json:"used"`
}

// Usable 檢查條目在給定時間是否可被選取
func (k *EphemeralKey) Usable(now time.Time) bool {
	return !k.Used && k.PublicKey != "" && now.Before(k.ExpiresAt)
}

// SecuritySettings 用戶安全設定
type SecuritySettings struct {
	EnableDisappearingMessages  bool `bson:"enable_disappearing_messages" json:"enable_disappearing_messages"`
	DefaultDisappearTime        int  `bson:"default_disappear_time" json:"default_disappear_time"` // 秒
	EnableReadReceipts          bool `bson:"enable_read_receipts" json:"enable_read_receipts"`
	EnableTypingIndicators      bool `bson:"enable_typing_indicators" json:"enable_typing_indicators"`
	RequireIdentityVerification bool `bson:"require_identity_verification" json:"require_identity_verification"`
}

// DefaultSecuritySettings 默認安全設定
func DefaultSecuritySettings() SecuritySettings {
	return SecuritySettings{
		EnableDisappearingMessages:  false,
		DefaultDisappearTime:        86400,
		EnableReadReceipts:          true,
		EnableTypingIndicators:      true,
		RequireIdentityVerification: false,
	}
}

// PruneExpired 從密鑰池移除到期條目，返回移除數量
func (u *User) PruneExpired(now time.Time) int {
	kept := u.EphemeralKeys[:0]
	for _, k := range u.EphemeralKeys {
		if now.Before(k.ExpiresAt) {
			kept = append(kept, k)
		}
	}
	removed := len(u.EphemeralKeys) - len(kept)
	u.EphemeralKeys = kept
	return removed
}

// UserStore 用戶存儲實作
type UserStore struct {
	collection *mongo.Collection
}

// NewUserStore 創建新的用戶存儲
func NewUserStore(db *mongo.Database) *UserStore {
	return &UserStore{
		collection: db.Collection("users"),
	}
}

// Create 創建用戶
func (s *UserStore) Create(ctx context.Context, u *User) error {
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	if u.EphemeralKeys == nil {
		u.EphemeralKeys = []EphemeralKey{}
	}

	_, err := s.collection.InsertOne(ctx, u)
	return err
}

// GetByID 根據 ID 獲取用戶
func (s *UserStore) GetByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	if err != nil {
		return nil, err
	}

	return &u, nil
}

// Save 保存用戶（保存前移除到期的臨時密鑰）
func (s *UserStore) Save(ctx context.Context, u *User) error {
	u.PruneExpired(time.Now().UTC())
	u.UpdatedAt = time.Now().UTC()

	result, err := s.collection.ReplaceOne(ctx, bson.M{"_id": u.ID}, u)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}

	return nil
}

// AddEphemeralKey 向用戶密鑰池添加新條目
func (s *UserStore) AddEphemeralKey(ctx context.Context, ownerID string, key EphemeralKey) error {
	result, err := s.collection.UpdateOne(ctx, bson.M{"_id": ownerID}, bson.M{
		"$push": bson.M{"ephemeral_keys": key},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}

	return nil
}

// AttachEphemeralPublicKey 附加臨時公鑰到已分配的條目
// 只能附加到未使用的條目，已用條目保持不可變
func (s *UserStore) AttachEphemeralPublicKey(ctx context.Context, ownerID, keyID, publicKey string) error {
	filter := bson.M{
		"_id": ownerID,
		"ephemeral_keys": bson.M{
			"$elemMatch": bson.M{
				"id":   keyID,
				"used": false,
			},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"ephemeral_keys.$.public_key": publicKey,
			"updated_at":                  time.Now().UTC(),
		},
	}

	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}

	return nil
}

// ClaimEphemeralKey 原子認領臨時密鑰（compare-and-swap）
// 只有同時滿足未使用、未到期、公鑰已附加的條目才會被標記，
// 併發認領同一條目時最多一方成功
func (s *UserStore) ClaimEphemeralKey(ctx context.Context, ownerID, keyID string, now time.Time) (bool, error) {
	filter := bson.M{
		"_id": ownerID,
		"ephemeral_keys": bson.M{
			"$elemMatch": bson.M{
				"id":         keyID,
				"used":       false,
				"public_key": bson.M{"$ne": ""},
				"expires_at": bson.M{"$gt": now},
			},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"ephemeral_keys.$.used": true,
			"updated_at":            now,
		},
	}

	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}

	return result.ModifiedCount == 1, nil
}

// PruneExpiredKeys 移除所有用戶的到期臨時密鑰，返回受影響的用戶數
func (s *UserStore) PruneExpiredKeys(ctx context.Context, now time.Time) (int64, error) {
	filter := bson.M{
		"ephemeral_keys.expires_at": bson.M{"$lte": now},
	}
	update := bson.M{
		"$pull": bson.M{
			"ephemeral_keys": bson.M{"expires_at": bson.M{"$lte": now}},
		},
		"$set": bson.M{"updated_at": now},
	}

	result, err := s.collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, err
	}

	return result.ModifiedCount, nil
}

// UpdateSecuritySettings 更新用戶安全設定
func (s *UserStore) UpdateSecuritySettings(ctx context.Context, id string, settings SecuritySettings) error {
	result, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{
			"security_settings": settings,
			"updated_at":        time.Now().UTC(),
		},
	})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}

	return nil
}
