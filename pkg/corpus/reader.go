package corpus

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"terrarium-annotator/pkg/logx"
)

// Reader is a read-only handle onto the corpus database.
type Reader struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens the corpus database read-only. The corpus is produced out-of-band and never
// written to by this process.
func Open(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro&_pragma=query_only(1)", dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening corpus database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging corpus database: %w", err)
	}
	return &Reader{db: db, logger: logx.NewLogger("corpus")}, nil
}

// Close releases the underlying connection.
func (r *Reader) Close() error {
	return r.db.Close()
}

const postSelect = `SELECT p.id, p.thread_id, p.body, p.name, p.time FROM post p`

func (r *Reader) scanPost(row interface{ Scan(...any) error }) (StoryPost, error) {
	var (
		id, threadID int64
		body, author sql.NullString
		unixTime     sql.NullInt64
	)
	if err := row.Scan(&id, &threadID, &body, &author, &unixTime); err != nil {
		return StoryPost{}, err
	}
	post := StoryPost{
		PostID:   id,
		ThreadID: threadID,
		Body:     body.String,
		Author:   author.String,
	}
	if unixTime.Valid {
		t := time.Unix(unixTime.Int64, 0).UTC()
		post.CreatedAt = &t
	}
	tags, err := r.tagsFor(id)
	if err != nil {
		return StoryPost{}, err
	}
	post.Tags = tags
	return post, nil
}

func (r *Reader) tagsFor(postID int64) ([]string, error) {
	rows, err := r.db.Query(`SELECT name FROM tag WHERE post_id = ? ORDER BY name`, postID)
	if err != nil {
		return nil, fmt.Errorf("querying tags for post %d: %w", postID, err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tags = append(tags, name)
	}
	return tags, rows.Err()
}

// GetPost fetches a single post by id, or (nil, nil) if it does not exist.
func (r *Reader) GetPost(postID int64) (*StoryPost, error) {
	row := r.db.QueryRow(postSelect+` WHERE p.id = ?`, postID)
	post, err := r.scanPost(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching post %d: %w", postID, err)
	}
	return &post, nil
}

// GetPostsRange fetches posts within a thread, inclusive of optional start/end ids and
// an optional tag filter, ordered by post id ascending. Backs the read_thread_range tool.
func (r *Reader) GetPostsRange(threadID int64, startPostID, endPostID *int64, tagFilter string) ([]StoryPost, error) {
	query := postSelect + ` WHERE p.thread_id = ?`
	args := []any{threadID}

	if startPostID != nil {
		query += ` AND p.id >= ?`
		args = append(args, *startPostID)
	}
	if endPostID != nil {
		query += ` AND p.id <= ?`
		args = append(args, *endPostID)
	}
	if tagFilter != "" {
		query += ` AND p.id IN (SELECT post_id FROM tag WHERE name = ?)`
		args = append(args, tagFilter)
	}
	query += ` ORDER BY p.id ASC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying posts range for thread %d: %w", threadID, err)
	}
	defer rows.Close()

	var posts []StoryPost
	for rows.Next() {
		post, err := r.scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// GetAdjacentPosts fetches a post together with `before` posts preceding it and `after`
// posts following it within the same thread, in ascending post-id order. Backs read_post.
func (r *Reader) GetAdjacentPosts(postID int64, before, after int) ([]StoryPost, error) {
	target, err := r.GetPost(postID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, nil
	}

	beforeRows, err := r.db.Query(
		postSelect+` WHERE p.thread_id = ? AND p.id < ? ORDER BY p.id DESC LIMIT ?`,
		target.ThreadID, postID, before,
	)
	if err != nil {
		return nil, fmt.Errorf("querying preceding posts: %w", err)
	}
	var beforePosts []StoryPost
	for beforeRows.Next() {
		p, err := r.scanPost(beforeRows)
		if err != nil {
			beforeRows.Close()
			return nil, err
		}
		beforePosts = append(beforePosts, p)
	}
	beforeRows.Close()
	// Reverse to chronological order.
	for i, j := 0, len(beforePosts)-1; i < j; i, j = i+1, j-1 {
		beforePosts[i], beforePosts[j] = beforePosts[j], beforePosts[i]
	}

	afterRows, err := r.db.Query(
		postSelect+` WHERE p.thread_id = ? AND p.id > ? ORDER BY p.id ASC LIMIT ?`,
		target.ThreadID, postID, after,
	)
	if err != nil {
		return nil, fmt.Errorf("querying following posts: %w", err)
	}
	defer afterRows.Close()

	result := append(beforePosts, *target)
	for afterRows.Next() {
		p, err := r.scanPost(afterRows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, afterRows.Err()
}

// IterThreads returns all threads ordered by thread id ascending.
func (r *Reader) IterThreads() ([]Thread, error) {
	rows, err := r.db.Query(`SELECT id, title FROM thread ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}
	defer rows.Close()

	var threads []Thread
	for rows.Next() {
		var t Thread
		var title sql.NullString
		if err := rows.Scan(&t.ID, &title); err != nil {
			return nil, err
		}
		t.Title = title.String
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// PostIterator lazily walks posts in (thread id, post id) order,
// It is finite and non-restartable: once exhausted (or closed) it cannot be reused.
type PostIterator struct {
	reader *Reader
	rows   *sql.Rows
}

// IterAllPosts returns a lazy iterator over all posts in (thread id asc, post id asc) order,
// optionally resuming strictly after startAfterPostID.
func (r *Reader) IterAllPosts(startAfterPostID *int64) (*PostIterator, error) {
	query := postSelect
	var args []any
	if startAfterPostID != nil {
		query += ` WHERE p.id > ?`
		args = append(args, *startAfterPostID)
	}
	query += ` ORDER BY p.thread_id ASC, p.id ASC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying all posts: %w", err)
	}
	return &PostIterator{reader: r, rows: rows}, nil
}

// Next advances the iterator. Returns (post, true, nil) while posts remain, (zero, false, nil)
// at exhaustion, or (zero, false, err) on a read error.
func (it *PostIterator) Next() (StoryPost, bool, error) {
	if !it.rows.Next() {
		return StoryPost{}, false, it.rows.Err()
	}
	post, err := it.reader.scanPost(it.rows)
	if err != nil {
		return StoryPost{}, false, err
	}
	return post, true, nil
}

// Close releases the iterator's underlying cursor. Safe to call multiple times.
func (it *PostIterator) Close() error {
	return it.rows.Close()
}
