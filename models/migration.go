package models

import (
	"log"

	"bitbucket.org/mmdatafocus/audience_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&User{},
		&SourceConnection{},
		&SyncRun{},
		&StagedRecord{},
		&Customer{}, &CustomerIdentity{}, &CustomerSourceLink{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
