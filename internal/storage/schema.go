package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ritual-archive/ritual/shared/logger"
)

// Asagi layout: one post table per board plus the _images and _threads
// sidecars. %%BOARD%% is substituted with the validated board name.
const sqliteSchema = `
create table if not exists %%BOARD%% (
    doc_id integer primary key autoincrement,
    media_id integer not null default 0,
    poster_ip text not null default '0',
    num integer not null,
    subnum integer not null default 0,
    thread_num integer not null,
    op integer not null default 0,
    timestamp integer not null,
    timestamp_expired integer not null default 0,
    preview_orig text,
    preview_w integer not null default 0,
    preview_h integer not null default 0,
    media_filename text,
    media_w integer not null default 0,
    media_h integer not null default 0,
    media_size integer not null default 0,
    media_hash text,
    media_orig text,
    spoiler integer not null default 0,
    deleted integer not null default 0,
    capcode text not null default 'N',
    email text,
    name text,
    trip text,
    title text,
    comment text,
    delpass text,
    sticky integer not null default 0,
    locked integer not null default 0,
    poster_hash text,
    poster_country text,
    exif text,
    unique (num, subnum)
);

create index if not exists %%BOARD%%_thread_num_idx on %%BOARD%% (thread_num);
create index if not exists %%BOARD%%_media_hash_idx on %%BOARD%% (media_hash);
create index if not exists %%BOARD%%_timestamp_idx on %%BOARD%% (timestamp);

create table if not exists %%BOARD%%_images (
    media_id integer primary key autoincrement,
    media_hash text not null unique,
    media text,
    preview_op text,
    preview_reply text,
    total integer not null default 0,
    banned integer not null default 0
);

create table if not exists %%BOARD%%_threads (
    thread_num integer primary key,
    time_op integer not null,
    time_last integer not null,
    time_bump integer not null,
    time_ghost integer,
    time_ghost_bump integer,
    time_last_modified integer not null default 0,
    nreplies integer not null default 0,
    nimages integer not null default 0,
    sticky integer not null default 0,
    locked integer not null default 0
);
`

const mysqlSchema = `
create table if not exists %%BOARD%% (
    doc_id int unsigned not null auto_increment,
    media_id int unsigned not null default 0,
    poster_ip decimal(39,0) not null default 0,
    num int unsigned not null,
    subnum int unsigned not null default 0,
    thread_num int unsigned not null,
    op bool not null default false,
    timestamp int unsigned not null,
    timestamp_expired int unsigned not null default 0,
    preview_orig varchar(20),
    preview_w smallint unsigned not null default 0,
    preview_h smallint unsigned not null default 0,
    media_filename text,
    media_w smallint unsigned not null default 0,
    media_h smallint unsigned not null default 0,
    media_size int unsigned not null default 0,
    media_hash varchar(25),
    media_orig varchar(20),
    spoiler bool not null default false,
    deleted bool not null default false,
    capcode varchar(1) not null default 'N',
    email varchar(100),
    name varchar(100),
    trip varchar(25),
    title varchar(100),
    comment text,
    delpass tinytext,
    sticky bool not null default false,
    locked bool not null default false,
    poster_hash varchar(8),
    poster_country varchar(100),
    exif text,
    primary key (doc_id),
    unique num_subnum_index (num, subnum),
    index thread_num_subnum_index (thread_num, num, subnum),
    index media_hash_index (media_hash),
    index timestamp_index (timestamp)
) engine=InnoDB charset=utf8mb4;

create table if not exists %%BOARD%%_images (
    media_id int unsigned not null auto_increment,
    media_hash varchar(25) not null,
    media varchar(20),
    preview_op varchar(20),
    preview_reply varchar(20),
    total int unsigned not null default 0,
    banned smallint unsigned not null default 0,
    primary key (media_id),
    unique media_hash_index (media_hash)
) engine=InnoDB charset=utf8mb4;

create table if not exists %%BOARD%%_threads (
    thread_num int unsigned not null,
    time_op int unsigned not null,
    time_last int unsigned not null,
    time_bump int unsigned not null,
    time_ghost int unsigned default null,
    time_ghost_bump int unsigned default null,
    time_last_modified int unsigned not null default 0,
    nreplies int unsigned not null default 0,
    nimages int unsigned not null default 0,
    sticky bool not null default false,
    locked bool not null default false,
    primary key (thread_num)
) engine=InnoDB charset=utf8mb4;
`

// InstallBoards creates the per-board tables that don't exist yet.
func (s *Storage) InstallBoards(ctx context.Context, boards []string) error {
	schema := sqliteSchema
	if s.d.name() == "mysql" {
		schema = mysqlSchema
	}

	for _, board := range boards {
		if !ValidBoardName(board) {
			return fmt.Errorf("invalid board name %q", board)
		}

		var probe int
		err := s.db.QueryRowContext(ctx, fmt.Sprintf("select 1 from %s limit 1", tableName(board, ""))).Scan(&probe)
		if err == nil || errors.Is(err, sql.ErrNoRows) {
			logger.Log.Info("tables already exist", "board", board)
			continue
		}

		logger.Log.Info("creating tables", "board", board)
		ddl := strings.ReplaceAll(schema, "%%BOARD%%", board)
		for _, stmt := range strings.Split(ddl, ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to install schema for %s: %w", board, err)
			}
		}
	}
	return nil
}
