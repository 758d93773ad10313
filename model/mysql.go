package model

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/kysua/chat-server/config"
	"github.com/kysua/chat-server/pool"
)

// DB wraps a MySQL database behind the generic resource pool: every store
// method acquires a dedicated connection with a bounded timeout, uses it
// outside the pool's lock, and releases it. An acquire timeout surfaces as a
// failed operation, never as a silent success.
type DB struct {
	sqlDB   *sql.DB
	conns   *pool.Pool[*sql.Conn]
	timeout time.Duration
}

// OpenDB dials MySQL and builds the connection pool.
func OpenDB(cfg *config.MySQLConfig, poolCfg *config.PoolConfig, log *zap.Logger) (*DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	sqlDB, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	// database/sql must not cap below or pool above what our own pool
	// manages; its limit tracks the pool ceiling.
	sqlDB.SetMaxOpenConns(poolCfg.Ceiling)
	sqlDB.SetMaxIdleConns(poolCfg.Ceiling)

	conns, err := pool.New[*sql.Conn](
		pool.Options{
			Floor:        poolCfg.Floor,
			Ceiling:      poolCfg.Ceiling,
			IdleTimeout:  time.Duration(poolCfg.IdleTimeout) * time.Second,
			ReapInterval: time.Duration(poolCfg.ReapInterval) * time.Second,
			RetryBackoff: time.Duration(poolCfg.RetryBackoff) * time.Millisecond,
		},
		func() (*sql.Conn, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			conn, err := sqlDB.Conn(ctx)
			if err != nil {
				return nil, err
			}
			if err := conn.PingContext(ctx); err != nil {
				conn.Close()
				return nil, err
			}
			return conn, nil
		},
		func(conn *sql.Conn) { conn.Close() },
		log,
	)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &DB{
		sqlDB:   sqlDB,
		conns:   conns,
		timeout: time.Duration(poolCfg.AcquireTimeout) * time.Millisecond,
	}, nil
}

// Close stops the pool and the underlying database handle.
func (db *DB) Close() error {
	db.conns.Stop()
	return db.sqlDB.Close()
}

func (db *DB) acquire() (*sql.Conn, error) {
	conn, err := db.conns.Acquire(db.timeout)
	if err != nil {
		return nil, fmt.Errorf("db connection: %w", err)
	}
	return conn, nil
}

// MySQLUserStore implements UserStore over the `user` table.
type MySQLUserStore struct {
	db *DB
}

func NewMySQLUserStore(db *DB) *MySQLUserStore { return &MySQLUserStore{db: db} }

func (s *MySQLUserStore) Insert(ctx context.Context, name, passwordHash string) (int64, error) {
	conn, err := s.db.acquire()
	if err != nil {
		return 0, err
	}
	defer s.db.conns.Release(conn)

	res, err := conn.ExecContext(ctx,
		"INSERT INTO user(name, password) VALUES(?, ?)", name, passwordHash)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert user id: %w", err)
	}
	return id, nil
}

func (s *MySQLUserStore) QueryByID(ctx context.Context, id int64) (User, bool, error) {
	conn, err := s.db.acquire()
	if err != nil {
		return User{}, false, err
	}
	defer s.db.conns.Release(conn)

	var u User
	err = conn.QueryRowContext(ctx,
		"SELECT id, name, password FROM user WHERE id = ?", id).
		Scan(&u.ID, &u.Name, &u.Password)
	if err == sql.ErrNoRows {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, fmt.Errorf("query user %d: %w", id, err)
	}
	return u, true, nil
}

// MySQLFriendStore implements FriendStore over the `friend` table.
type MySQLFriendStore struct {
	db *DB
}

func NewMySQLFriendStore(db *DB) *MySQLFriendStore { return &MySQLFriendStore{db: db} }

func (s *MySQLFriendStore) Insert(ctx context.Context, userID, friendID int64) error {
	conn, err := s.db.acquire()
	if err != nil {
		return err
	}
	defer s.db.conns.Release(conn)

	_, err = conn.ExecContext(ctx,
		"INSERT INTO friend(userid, friendid) VALUES(?, ?)", userID, friendID)
	if err != nil {
		return fmt.Errorf("insert friend: %w", err)
	}
	return nil
}

func (s *MySQLFriendStore) QueryFriendsOf(ctx context.Context, userID int64) ([]User, error) {
	conn, err := s.db.acquire()
	if err != nil {
		return nil, err
	}
	defer s.db.conns.Release(conn)

	rows, err := conn.QueryContext(ctx,
		`SELECT u.id, u.name FROM user u
		 INNER JOIN friend f ON u.id = f.friendid
		 WHERE f.userid = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("query friends of %d: %w", userID, err)
	}
	defer rows.Close()

	var friends []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name); err != nil {
			return nil, fmt.Errorf("scan friend row: %w", err)
		}
		friends = append(friends, u)
	}
	return friends, rows.Err()
}

// MySQLGroupStore implements GroupStore over `allgroup` and `groupuser`.
type MySQLGroupStore struct {
	db *DB
}

func NewMySQLGroupStore(db *DB) *MySQLGroupStore { return &MySQLGroupStore{db: db} }

func (s *MySQLGroupStore) CreateGroup(ctx context.Context, name, desc string) (int64, error) {
	conn, err := s.db.acquire()
	if err != nil {
		return 0, err
	}
	defer s.db.conns.Release(conn)

	res, err := conn.ExecContext(ctx,
		"INSERT INTO allgroup(groupname, groupdesc) VALUES(?, ?)", name, desc)
	if err != nil {
		return 0, fmt.Errorf("create group: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create group id: %w", err)
	}
	return id, nil
}

func (s *MySQLGroupStore) AddMember(ctx context.Context, userID, groupID int64, role string) error {
	conn, err := s.db.acquire()
	if err != nil {
		return err
	}
	defer s.db.conns.Release(conn)

	_, err = conn.ExecContext(ctx,
		"INSERT INTO groupuser(groupid, userid, grouprole) VALUES(?, ?, ?)",
		groupID, userID, role)
	if err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

func (s *MySQLGroupStore) QueryGroupsOf(ctx context.Context, userID int64) ([]Group, error) {
	conn, err := s.db.acquire()
	if err != nil {
		return nil, err
	}
	defer s.db.conns.Release(conn)

	rows, err := conn.QueryContext(ctx,
		`SELECT a.id, a.groupname, a.groupdesc FROM allgroup a
		 INNER JOIN groupuser g ON a.id = g.groupid
		 WHERE g.userid = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("query groups of %d: %w", userID, err)
	}
	groups, err := scanGroups(rows)
	if err != nil {
		return nil, err
	}

	// One roster query per group; group counts per user are small.
	for i := range groups {
		memberRows, err := conn.QueryContext(ctx,
			`SELECT u.id, u.name FROM user u
			 INNER JOIN groupuser g ON u.id = g.userid
			 WHERE g.groupid = ?`, groups[i].ID)
		if err != nil {
			return nil, fmt.Errorf("query members of %d: %w", groups[i].ID, err)
		}
		members, err := scanUsers(memberRows)
		if err != nil {
			return nil, err
		}
		groups[i].Members = members
	}
	return groups, nil
}

func (s *MySQLGroupStore) QueryMembersOf(ctx context.Context, groupID int64) ([]int64, error) {
	conn, err := s.db.acquire()
	if err != nil {
		return nil, err
	}
	defer s.db.conns.Release(conn)

	rows, err := conn.QueryContext(ctx,
		"SELECT userid FROM groupuser WHERE groupid = ?", groupID)
	if err != nil {
		return nil, fmt.Errorf("query members of %d: %w", groupID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MySQLOfflineStore implements OfflineStore over `offlinemessage`.
type MySQLOfflineStore struct {
	db *DB
}

func NewMySQLOfflineStore(db *DB) *MySQLOfflineStore { return &MySQLOfflineStore{db: db} }

func (s *MySQLOfflineStore) Insert(ctx context.Context, userID int64, envelope []byte) error {
	conn, err := s.db.acquire()
	if err != nil {
		return err
	}
	defer s.db.conns.Release(conn)

	_, err = conn.ExecContext(ctx,
		"INSERT INTO offlinemessage(userid, message) VALUES(?, ?)", userID, envelope)
	if err != nil {
		return fmt.Errorf("insert offline message: %w", err)
	}
	return nil
}

func (s *MySQLOfflineStore) Query(ctx context.Context, userID int64) ([][]byte, error) {
	conn, err := s.db.acquire()
	if err != nil {
		return nil, err
	}
	defer s.db.conns.Release(conn)

	rows, err := conn.QueryContext(ctx,
		"SELECT message FROM offlinemessage WHERE userid = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("query offline messages of %d: %w", userID, err)
	}
	defer rows.Close()

	var msgs [][]byte
	for rows.Next() {
		var msg []byte
		if err := rows.Scan(&msg); err != nil {
			return nil, fmt.Errorf("scan offline message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *MySQLOfflineStore) Remove(ctx context.Context, userID int64) error {
	conn, err := s.db.acquire()
	if err != nil {
		return err
	}
	defer s.db.conns.Release(conn)

	_, err = conn.ExecContext(ctx,
		"DELETE FROM offlinemessage WHERE userid = ?", userID)
	if err != nil {
		return fmt.Errorf("remove offline messages of %d: %w", userID, err)
	}
	return nil
}

func scanGroups(rows *sql.Rows) ([]Group, error) {
	defer rows.Close()
	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Desc); err != nil {
			return nil, fmt.Errorf("scan group row: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func scanUsers(rows *sql.Rows) ([]User, error) {
	defer rows.Close()
	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name); err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
