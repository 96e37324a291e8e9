package sqlite_test

import "github.com/Strob0t/PRDForge/internal/domain/memory"

func researchRecord() memory.ResearchRecord {
	return memory.ResearchRecord{TaskID: "t1", Query: "market size", Findings: []string{"large"}, Sources: []string{"https://example.com"}}
}
