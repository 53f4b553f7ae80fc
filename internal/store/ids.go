package store

import (
	"database/sql"
	"fmt"
)

// nextID allocates the next sequential number for (workspaceID, prefix)
// inside tx and returns a formatted "PREFIX-NNNNNN" style id. Ids stay
// predictable and gapless so operators can read them across logs and
// mesh threads.
func nextID(tx *sql.Tx, workspaceID, prefix string) (string, error) {
	res, err := tx.Exec(`
		INSERT INTO id_sequences (workspace_id, prefix, next_value) VALUES (?, ?, 2)
		ON CONFLICT(workspace_id, prefix) DO UPDATE SET next_value = next_value + 1
	`, workspaceID, prefix)
	if err != nil {
		return "", fmt.Errorf("allocate id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("allocate id: no rows affected")
	}
	var value int64
	err = tx.QueryRow(`SELECT next_value FROM id_sequences WHERE workspace_id = ? AND prefix = ?`,
		workspaceID, prefix).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("allocate id: read back: %w", err)
	}
	// next_value was just incremented (or inserted at 2); the id issued is
	// one less than the stored counter so the first id is NNNNNN=1.
	return fmt.Sprintf("%s-%06d", prefix, value-1), nil
}
