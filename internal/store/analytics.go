package store

import (
	"context"
	"encoding/binary"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DailyStat is one per-day counter for a (domain, category, stat) tuple
type DailyStat struct {
	Date     string `json:"date"` // YYYY-MM-DD
	DomainID string `json:"domain_id"`
	Category string `json:"category,omitempty"`
	Stat     string `json:"stat"`
	Count    int64  `json:"count"`
}

// IncrementDailyStat bumps today's counter for (domain, category, stat)
func (s *Store) IncrementDailyStat(ctx context.Context, domainID, category, stat string) error {
	key := statKey(time.Now(), domainID, category, stat)

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketAnalytics)
		count := int64(0)
		if data := bucket.Get(key); len(data) == 8 {
			count = int64(binary.BigEndian.Uint64(data))
		}
		count++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(count))
		return bucket.Put(key, buf)
	})
}

// GetDailyStats returns all counters for a domain, newest first order
// not guaranteed (keys sort by date ascending)
func (s *Store) GetDailyStats(ctx context.Context, domainID string) ([]DailyStat, error) {
	var stats []DailyStat

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAnalytics).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			parts := strings.SplitN(string(k), "/", 4)
			if len(parts) != 4 || parts[1] != domainID || len(v) != 8 {
				continue
			}
			stats = append(stats, DailyStat{
				Date:     parts[0],
				DomainID: parts[1],
				Category: parts[2],
				Stat:     parts[3],
				Count:    int64(binary.BigEndian.Uint64(v)),
			})
		}
		return nil
	})

	return stats, err
}

func statKey(t time.Time, domainID, category, stat string) []byte {
	return []byte(t.UTC().Format("2006-01-02") + "/" + domainID + "/" + category + "/" + stat)
}
