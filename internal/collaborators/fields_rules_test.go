package collaborators

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleTitleBlock = `[ページ 1]
株式会社 山田製作所
名称: 軸受ブラケット
品名: ブラケット A型
図番: 1234-5678
材質: SS400
表面処理: 三価クロメート
熱処理: 焼入れ HRC50
処理指示: バリ取りのこと
出図日: 2026-03-01
`

func TestExtractByRules(t *testing.T) {
	fields := extractByRules(sampleTitleBlock)

	assert.Equal(t, "軸受ブラケット", fields.Title)
	assert.Equal(t, "ブラケット A型", fields.PartName)
	assert.Equal(t, "1234-5678", fields.DrawingNo)
	assert.Equal(t, "SS400", fields.Material)
	assert.Equal(t, "三価クロメート", fields.SurfaceTreatment)
	assert.Equal(t, "焼入れ HRC50 / バリ取りのこと", fields.ProcessNote)
	assert.Equal(t, "2026-03-01", fields.IssueDate)
	assert.True(t, rulesComplete(fields))
}

func TestExtractByRulesFirstHitWins(t *testing.T) {
	text := "図番: 1111-2222\nnotes\n図番: 9999-0000\n"
	fields := extractByRules(text)
	assert.Equal(t, "1111-2222", fields.DrawingNo)
}

func TestExtractByRulesFullWidthColon(t *testing.T) {
	fields := extractByRules("材質：SUS304\n")
	assert.Equal(t, "SUS304", fields.Material)
}

func TestExtractByRulesDrawingNoFallback(t *testing.T) {
	// no 図番 label at all, the bare NNNN-NNNN pattern still counts
	fields := extractByRules("DWG 4567-8901 rev.B\n材質: A5052\n")
	assert.Equal(t, "4567-8901", fields.DrawingNo)
	assert.Equal(t, "A5052", fields.Material)
	assert.False(t, rulesComplete(fields), "title is still missing")
}

func TestExtractByRulesEmptyValueIgnored(t *testing.T) {
	fields := extractByRules("名称:\n名称: 実際の名称\n")
	assert.Equal(t, "実際の名称", fields.Title)
}

func TestExtractByRulesNothingFound(t *testing.T) {
	fields := extractByRules("just some text without any labels")
	assert.Empty(t, fields.Title)
	assert.Empty(t, fields.DrawingNo)
	assert.False(t, rulesComplete(fields))
}

func TestTruncateIsRuneSafe(t *testing.T) {
	s := strings.Repeat("図", 10)
	assert.Equal(t, strings.Repeat("図", 4), truncate(s, 4))
	assert.Equal(t, s, truncate(s, 10))
	assert.Equal(t, s, truncate(s, 100))
}
