package discussion

import (
	"fmt"

	"cosmossdk.io/log"
	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
)

// sqlite models

type Discussion struct {
	Id        uint64 `gorm:"primary_key;AUTO_INCREMENT" json:"id"`
	TaskId    uint64 `gorm:"index" json:"task_id"`
	Seq       int    `json:"seq"`
	Sender    string `json:"sender"`
	Content   string `gorm:"type:text" json:"content"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

type SQLPersister struct {
	db *gorm.DB
}

var _ Persister = &SQLPersister{}

// gormLogger sends gorm's statement log to the relay logger at debug level.
type gormLogger struct {
	logger log.Logger
}

func (l gormLogger) Print(v ...interface{}) {
	if len(v) > 0 && v[0] == "sql" && len(v) >= 4 {
		l.logger.Debug("sql", "source", v[1], "duration", v[2], "query", v[3])
		return
	}
	l.logger.Debug("gorm", "entry", fmt.Sprint(v...))
}

func NewSQLPersister(dbPath string, logger log.Logger) (*SQLPersister, error) {
	db, err := gorm.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetLogger(gormLogger{logger: logger.With("module", "sqlite")})
	db.LogMode(true)
	if err := db.AutoMigrate(&Discussion{}).Error; err != nil {
		db.Close()
		return nil, err
	}
	return &SQLPersister{db: db}, nil
}

func (p *SQLPersister) Load() (map[uint64][]Message, error) {
	var rows []Discussion
	if err := p.db.Order("task_id asc, seq asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[uint64][]Message)
	for _, r := range rows {
		out[r.TaskId] = append(out[r.TaskId], Message{
			TaskId:    r.TaskId,
			Sender:    r.Sender,
			Content:   r.Content,
			Timestamp: r.Timestamp,
			Signature: r.Signature,
		})
	}
	return out, nil
}

// Save rewrites the discussion table inside one transaction.
func (p *SQLPersister) Save(snapshot map[uint64][]Message) error {
	tx := p.db.Begin()
	if tx.Error != nil {
		return tx.Error
	}
	if err := tx.Delete(&Discussion{}).Error; err != nil {
		tx.Rollback()
		return err
	}
	for id, msgs := range snapshot {
		for i, m := range msgs {
			row := Discussion{
				TaskId:    id,
				Seq:       i,
				Sender:    m.Sender,
				Content:   m.Content,
				Timestamp: m.Timestamp,
				Signature: m.Signature,
			}
			if err := tx.Create(&row).Error; err != nil {
				tx.Rollback()
				return err
			}
		}
	}
	return tx.Commit().Error
}

func (p *SQLPersister) Close() error {
	return p.db.Close()
}
