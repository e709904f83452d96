package repositories

import (
	"database/sql"

	"github.com/namastexlabs/automagik-forge/internal/db"
)

// Repositories aggregates every typed repository the Store exposes, plus a
// handle for callers that need an explicit transaction spanning more than
// one repository call.
type Repositories struct {
	Users      *UserRepo
	Sessions   *SessionRepo
	Whitelist  *WhitelistRepo
	Projects   *ProjectRepo
	Tasks      *TaskRepo
	Attempts   *AttemptRepo
	Processes  *ProcessRepo
	Logs       *LogRepo
	Templates  *TemplateRepo

	db db.Database
}

func New(database db.Database) *Repositories {
	conn := database.Conn()

	return &Repositories{
		Users:     NewUserRepo(conn),
		Sessions:  NewSessionRepo(conn),
		Whitelist: NewWhitelistRepo(conn),
		Projects:  NewProjectRepo(conn),
		Tasks:     NewTaskRepo(conn),
		Attempts:  NewAttemptRepo(conn),
		Processes: NewProcessRepo(conn),
		Logs:      NewLogRepo(conn),
		Templates: NewTemplateRepo(conn),
		db:        database,
	}
}

// BeginTx starts a database transaction for callers that must make an
// atomic multi-repository write.
func (r *Repositories) BeginTx() (*sql.Tx, error) {
	return r.db.Conn().Begin()
}
