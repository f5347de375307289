package migrations

import _ "embed"

//go:embed 0002_create_quiz_runs.sql
var createQuizRunsSQL string

func init() {
	Migrations.MustRegister(execSQL(createQuizRunsSQL), execSQL(`DROP TABLE IF EXISTS quiz_runs`))
}
