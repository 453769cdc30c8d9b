package meter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	usersBucket      = "users"
	emailIndexBucket = "users_by_email"
	identityBucket   = "users_by_identity"
	propertiesBucket = "properties"
	metersBucket     = "meters"
	readingsBucket   = "readings"
	tariffsBucket    = "tariffs"
	billsBucket      = "bills"
)

var allBuckets = []string{
	usersBucket,
	emailIndexBucket,
	identityBucket,
	propertiesBucket,
	metersBucket,
	readingsBucket,
	tariffsBucket,
	billsBucket,
}

var entityNames = map[string]string{
	usersBucket:      "User",
	propertiesBucket: "Property",
	metersBucket:     "Meter",
	readingsBucket:   "Reading",
	tariffsBucket:    "Tariff",
	billsBucket:      "Bill",
}

// Identity providers for GetUserByIdentity
const (
	ProviderGoogle = "google"
	ProviderApple  = "apple"
)

// DB defines the interface for database operations. Delete operations
// cascade to child entities and return the image ids of removed readings.
type DB interface {
	// CreateAccount saves a new user with its seeded property and meters
	CreateAccount(user *User, property *Property, meters []*Meter) error
	// SaveUser updates an existing user
	SaveUser(user *User) error
	GetUser(id string) (*User, error)
	GetUserByEmail(email string) (*User, error)
	GetUserByIdentity(provider, subject string) (*User, error)
	DeleteUser(id string) ([]string, error)

	SaveProperty(property *Property) error
	GetProperty(id string) (*Property, error)
	ListProperties(userID string) ([]*Property, error)
	DeleteProperty(id string) ([]string, error)

	SaveMeter(meter *Meter) error
	GetMeter(id string) (*Meter, error)
	ListMeters(propertyID string) ([]*Meter, error)
	DeleteMeter(id string) ([]string, error)

	SaveReading(reading *Reading) error
	GetReading(id string) (*Reading, error)
	// ListReadings returns the meter's readings, newest first
	ListReadings(meterID string) ([]*Reading, error)
	// DeleteReading fails with ErrConflict while a bill references the reading
	DeleteReading(id string) error

	SaveTariff(tariff *Tariff) error
	GetTariff(id string) (*Tariff, error)
	// ListTariffs returns the meter's tariffs, latest effective date first
	ListTariffs(meterID string) ([]*Tariff, error)
	DeleteTariff(id string) error

	SaveBill(bill *Bill) error
	GetBill(id string) (*Bill, error)
	// ListBills returns the meter's bills, latest period first
	ListBills(meterID string) ([]*Bill, error)
	DeleteBill(id string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB. Each entity kind lives in
// its own bucket as JSON keyed by id.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

func put(tx *bbolt.Tx, bucket, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", bucket, err)
	}
	return tx.Bucket([]byte(bucket)).Put([]byte(id), data)
}

func get[T any](tx *bbolt.Tx, bucket, id string) (*T, error) {
	data := tx.Bucket([]byte(bucket)).Get([]byte(id))
	if data == nil {
		return nil, errorf(ErrNotFound, "%s not found", entityNames[bucket])
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshaling %s: %w", bucket, err)
	}
	return &v, nil
}

// scan returns every entity in the bucket for which keep is true
func scan[T any](tx *bbolt.Tx, bucket string, keep func(*T) bool) ([]*T, error) {
	items := make([]*T, 0)
	err := tx.Bucket([]byte(bucket)).ForEach(func(k, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return fmt.Errorf("unmarshaling %s: %w", bucket, err)
		}
		if keep(&item) {
			items = append(items, &item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func identityKey(provider, subject string) []byte {
	return []byte(provider + ":" + subject)
}

func emailKey(email string) []byte {
	return []byte(strings.ToLower(email))
}

// indexUser maintains the email and identity indexes, rejecting values
// already owned by another user
func indexUser(tx *bbolt.Tx, user *User) error {
	emails := tx.Bucket([]byte(emailIndexBucket))
	if owner := emails.Get(emailKey(user.Email)); owner != nil && string(owner) != user.ID {
		return errorf(ErrConflict, "Email already registered")
	}

	identities := tx.Bucket([]byte(identityBucket))
	links := map[string]string{ProviderGoogle: user.GoogleID, ProviderApple: user.AppleID}
	for provider, subject := range links {
		if subject == "" {
			continue
		}
		if owner := identities.Get(identityKey(provider, subject)); owner != nil && string(owner) != user.ID {
			return errorf(ErrConflict, "This %s account is already linked to another user", provider)
		}
	}

	if err := emails.Put(emailKey(user.Email), []byte(user.ID)); err != nil {
		return err
	}
	for provider, subject := range links {
		if subject == "" {
			continue
		}
		if err := identities.Put(identityKey(provider, subject), []byte(user.ID)); err != nil {
			return err
		}
	}
	return nil
}

func unindexUser(tx *bbolt.Tx, user *User) error {
	if err := tx.Bucket([]byte(emailIndexBucket)).Delete(emailKey(user.Email)); err != nil {
		return err
	}
	identities := tx.Bucket([]byte(identityBucket))
	if user.GoogleID != "" {
		if err := identities.Delete(identityKey(ProviderGoogle, user.GoogleID)); err != nil {
			return err
		}
	}
	if user.AppleID != "" {
		if err := identities.Delete(identityKey(ProviderApple, user.AppleID)); err != nil {
			return err
		}
	}
	return nil
}

// CreateAccount saves a new user with its seeded property and meters
func (b *BoltDB) CreateAccount(user *User, property *Property, meters []*Meter) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(usersBucket)).Get([]byte(user.ID)) != nil {
			return errorf(ErrConflict, "User already exists")
		}
		if err := indexUser(tx, user); err != nil {
			return err
		}
		if err := put(tx, usersBucket, user.ID, user); err != nil {
			return err
		}
		if property != nil {
			if err := put(tx, propertiesBucket, property.ID, property); err != nil {
				return err
			}
		}
		for _, m := range meters {
			if err := put(tx, metersBucket, m.ID, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveUser updates an existing user and its indexes
func (b *BoltDB) SaveUser(user *User) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		previous, err := get[User](tx, usersBucket, user.ID)
		if err != nil {
			return err
		}
		if err := unindexUser(tx, previous); err != nil {
			return err
		}
		if err := indexUser(tx, user); err != nil {
			return err
		}
		return put(tx, usersBucket, user.ID, user)
	})
}

// GetUser retrieves a user by ID
func (b *BoltDB) GetUser(id string) (*User, error) {
	var user *User
	err := b.db.View(func(tx *bbolt.Tx) (err error) {
		user, err = get[User](tx, usersBucket, id)
		return err
	})
	return user, err
}

// GetUserByEmail retrieves a user by email, ignoring case
func (b *BoltDB) GetUserByEmail(email string) (*User, error) {
	return b.userByIndex(emailIndexBucket, emailKey(email))
}

// GetUserByIdentity retrieves the user linked to a Google or Apple subject
func (b *BoltDB) GetUserByIdentity(provider, subject string) (*User, error) {
	return b.userByIndex(identityBucket, identityKey(provider, subject))
}

func (b *BoltDB) userByIndex(bucket string, key []byte) (*User, error) {
	var user *User
	err := b.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(bucket)).Get(key)
		if id == nil {
			return errorf(ErrNotFound, "User not found")
		}
		var err error
		user, err = get[User](tx, usersBucket, string(id))
		return err
	})
	return user, err
}

// DeleteUser removes a user and everything it owns
func (b *BoltDB) DeleteUser(id string) ([]string, error) {
	var images []string
	err := b.db.Update(func(tx *bbolt.Tx) error {
		user, err := get[User](tx, usersBucket, id)
		if err != nil {
			return err
		}
		properties, err := scan(tx, propertiesBucket, func(p *Property) bool { return p.UserID == id })
		if err != nil {
			return err
		}
		for _, p := range properties {
			removed, err := deleteProperty(tx, p.ID)
			if err != nil {
				return err
			}
			images = append(images, removed...)
		}
		if err := unindexUser(tx, user); err != nil {
			return err
		}
		return tx.Bucket([]byte(usersBucket)).Delete([]byte(id))
	})
	if err != nil {
		return nil, err
	}
	return images, nil
}

// SaveProperty saves a property; names are unique per user
func (b *BoltDB) SaveProperty(property *Property) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		duplicates, err := scan(tx, propertiesBucket, func(p *Property) bool {
			return p.UserID == property.UserID && p.ID != property.ID && strings.EqualFold(p.Name, property.Name)
		})
		if err != nil {
			return err
		}
		if len(duplicates) > 0 {
			return errorf(ErrConflict, "A property named %q already exists", property.Name)
		}
		return put(tx, propertiesBucket, property.ID, property)
	})
}

// GetProperty retrieves a property by ID
func (b *BoltDB) GetProperty(id string) (*Property, error) {
	var property *Property
	err := b.db.View(func(tx *bbolt.Tx) (err error) {
		property, err = get[Property](tx, propertiesBucket, id)
		return err
	})
	return property, err
}

// ListProperties returns the user's properties, oldest first
func (b *BoltDB) ListProperties(userID string) ([]*Property, error) {
	var properties []*Property
	err := b.db.View(func(tx *bbolt.Tx) (err error) {
		properties, err = scan(tx, propertiesBucket, func(p *Property) bool { return p.UserID == userID })
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(properties, func(i, j int) bool {
		return properties[i].CreatedAt.Before(properties[j].CreatedAt)
	})
	return properties, nil
}

// DeleteProperty removes a property and its meters
func (b *BoltDB) DeleteProperty(id string) ([]string, error) {
	var images []string
	err := b.db.Update(func(tx *bbolt.Tx) (err error) {
		images, err = deleteProperty(tx, id)
		return err
	})
	return images, err
}

func deleteProperty(tx *bbolt.Tx, id string) ([]string, error) {
	if _, err := get[Property](tx, propertiesBucket, id); err != nil {
		return nil, err
	}
	meters, err := scan(tx, metersBucket, func(m *Meter) bool { return m.PropertyID == id })
	if err != nil {
		return nil, err
	}
	var images []string
	for _, m := range meters {
		removed, err := deleteMeter(tx, m.ID)
		if err != nil {
			return nil, err
		}
		images = append(images, removed...)
	}
	return images, tx.Bucket([]byte(propertiesBucket)).Delete([]byte(id))
}

// SaveMeter saves a meter; (property, utility, name) is unique
func (b *BoltDB) SaveMeter(meter *Meter) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		duplicates, err := scan(tx, metersBucket, func(m *Meter) bool {
			return m.PropertyID == meter.PropertyID && m.ID != meter.ID &&
				m.Utility == meter.Utility && strings.EqualFold(m.Name, meter.Name)
		})
		if err != nil {
			return err
		}
		if len(duplicates) > 0 {
			return errorf(ErrConflict, "A %s meter named %q already exists on this property", meter.Utility, meter.Name)
		}
		return put(tx, metersBucket, meter.ID, meter)
	})
}

// GetMeter retrieves a meter by ID
func (b *BoltDB) GetMeter(id string) (*Meter, error) {
	var meter *Meter
	err := b.db.View(func(tx *bbolt.Tx) (err error) {
		meter, err = get[Meter](tx, metersBucket, id)
		return err
	})
	return meter, err
}

// ListMeters returns the property's meters, oldest first
func (b *BoltDB) ListMeters(propertyID string) ([]*Meter, error) {
	var meters []*Meter
	err := b.db.View(func(tx *bbolt.Tx) (err error) {
		meters, err = scan(tx, metersBucket, func(m *Meter) bool { return m.PropertyID == propertyID })
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(meters, func(i, j int) bool {
		return meters[i].CreatedAt.Before(meters[j].CreatedAt)
	})
	return meters, nil
}

// DeleteMeter removes a meter with its readings, tariffs and bills
func (b *BoltDB) DeleteMeter(id string) ([]string, error) {
	var images []string
	err := b.db.Update(func(tx *bbolt.Tx) (err error) {
		images, err = deleteMeter(tx, id)
		return err
	})
	return images, err
}

func deleteMeter(tx *bbolt.Tx, id string) ([]string, error) {
	if _, err := get[Meter](tx, metersBucket, id); err != nil {
		return nil, err
	}

	readings, err := scan(tx, readingsBucket, func(r *Reading) bool { return r.MeterID == id })
	if err != nil {
		return nil, err
	}
	var images []string
	for _, r := range readings {
		if r.ImageID != "" {
			images = append(images, r.ImageID)
		}
		if err := tx.Bucket([]byte(readingsBucket)).Delete([]byte(r.ID)); err != nil {
			return nil, err
		}
	}

	tariffs, err := scan(tx, tariffsBucket, func(t *Tariff) bool { return t.MeterID == id })
	if err != nil {
		return nil, err
	}
	for _, t := range tariffs {
		if err := tx.Bucket([]byte(tariffsBucket)).Delete([]byte(t.ID)); err != nil {
			return nil, err
		}
	}

	bills, err := scan(tx, billsBucket, func(bill *Bill) bool { return bill.MeterID == id })
	if err != nil {
		return nil, err
	}
	for _, bill := range bills {
		if err := tx.Bucket([]byte(billsBucket)).Delete([]byte(bill.ID)); err != nil {
			return nil, err
		}
	}

	return images, tx.Bucket([]byte(metersBucket)).Delete([]byte(id))
}

// SaveReading saves a reading. The meter must exist.
func (b *BoltDB) SaveReading(reading *Reading) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := get[Meter](tx, metersBucket, reading.MeterID); err != nil {
			return err
		}
		return put(tx, readingsBucket, reading.ID, reading)
	})
}

// GetReading retrieves a reading by ID
func (b *BoltDB) GetReading(id string) (*Reading, error) {
	var reading *Reading
	err := b.db.View(func(tx *bbolt.Tx) (err error) {
		reading, err = get[Reading](tx, readingsBucket, id)
		return err
	})
	return reading, err
}

// ListReadings returns the meter's readings, newest first
func (b *BoltDB) ListReadings(meterID string) ([]*Reading, error) {
	var readings []*Reading
	err := b.db.View(func(tx *bbolt.Tx) (err error) {
		readings, err = scan(tx, readingsBucket, func(r *Reading) bool { return r.MeterID == meterID })
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].RecordedAt.After(readings[j].RecordedAt)
	})
	return readings, nil
}

// DeleteReading removes a reading unless a bill references it
func (b *BoltDB) DeleteReading(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := get[Reading](tx, readingsBucket, id); err != nil {
			return err
		}
		bills, err := scan(tx, billsBucket, func(bill *Bill) bool {
			return bill.ReadingFromID == id || bill.ReadingToID == id
		})
		if err != nil {
			return err
		}
		if len(bills) > 0 {
			return errorf(ErrConflict, "Reading is used by bill %s", bills[0].ID)
		}
		return tx.Bucket([]byte(readingsBucket)).Delete([]byte(id))
	})
}

// SaveTariff saves a tariff. The meter must exist.
func (b *BoltDB) SaveTariff(tariff *Tariff) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := get[Meter](tx, metersBucket, tariff.MeterID); err != nil {
			return err
		}
		return put(tx, tariffsBucket, tariff.ID, tariff)
	})
}

// GetTariff retrieves a tariff by ID
func (b *BoltDB) GetTariff(id string) (*Tariff, error) {
	var tariff *Tariff
	err := b.db.View(func(tx *bbolt.Tx) (err error) {
		tariff, err = get[Tariff](tx, tariffsBucket, id)
		return err
	})
	return tariff, err
}

// ListTariffs returns the meter's tariffs, latest effective date first
func (b *BoltDB) ListTariffs(meterID string) ([]*Tariff, error) {
	var tariffs []*Tariff
	err := b.db.View(func(tx *bbolt.Tx) (err error) {
		tariffs, err = scan(tx, tariffsBucket, func(t *Tariff) bool { return t.MeterID == meterID })
		return err
	})
	if err != nil {
		return nil, err
	}
	// YYYY-MM-DD compares chronologically as a string
	sort.SliceStable(tariffs, func(i, j int) bool {
		return tariffs[i].EffectiveFrom > tariffs[j].EffectiveFrom
	})
	return tariffs, nil
}

// DeleteTariff removes a tariff. Bills keep their own copy of the rate.
func (b *BoltDB) DeleteTariff(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := get[Tariff](tx, tariffsBucket, id); err != nil {
			return err
		}
		return tx.Bucket([]byte(tariffsBucket)).Delete([]byte(id))
	})
}

// SaveBill saves a bill. Its meter, readings and tariff must still exist.
func (b *BoltDB) SaveBill(bill *Bill) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := get[Meter](tx, metersBucket, bill.MeterID); err != nil {
			return err
		}
		for _, id := range []string{bill.ReadingFromID, bill.ReadingToID} {
			if _, err := get[Reading](tx, readingsBucket, id); err != nil {
				return err
			}
		}
		if bill.TariffID != "" {
			if _, err := get[Tariff](tx, tariffsBucket, bill.TariffID); err != nil {
				return err
			}
		}
		return put(tx, billsBucket, bill.ID, bill)
	})
}

// GetBill retrieves a bill by ID
func (b *BoltDB) GetBill(id string) (*Bill, error) {
	var bill *Bill
	err := b.db.View(func(tx *bbolt.Tx) (err error) {
		bill, err = get[Bill](tx, billsBucket, id)
		return err
	})
	return bill, err
}

// ListBills returns the meter's bills, latest period first
func (b *BoltDB) ListBills(meterID string) ([]*Bill, error) {
	var bills []*Bill
	err := b.db.View(func(tx *bbolt.Tx) (err error) {
		bills, err = scan(tx, billsBucket, func(bill *Bill) bool { return bill.MeterID == meterID })
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(bills, func(i, j int) bool {
		if bills[i].PeriodEnd != bills[j].PeriodEnd {
			return bills[i].PeriodEnd > bills[j].PeriodEnd
		}
		return bills[i].CreatedAt.After(bills[j].CreatedAt)
	})
	return bills, nil
}

// DeleteBill removes a bill
func (b *BoltDB) DeleteBill(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := get[Bill](tx, billsBucket, id); err != nil {
			return err
		}
		return tx.Bucket([]byte(billsBucket)).Delete([]byte(id))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
