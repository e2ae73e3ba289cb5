package safety

import (
	"fmt"
	"strings"

	"github.com/querygate/querygate/internal/schema"
)

// Kind labels the first gate a candidate failed.
type Kind string

const (
	KindDeniedKeyword     Kind = "deniedKeyword"
	KindMultiStatement    Kind = "multiStatement"
	KindNotReadOnly       Kind = "notReadOnly"
	KindUnknownIdentifier Kind = "unknownIdentifier"
	KindNestedAggregate   Kind = "nestedAggregate"
	KindMalformedJoin     Kind = "malformedJoin"
)

// Result is the single outcome of validation: either an accepted, normalized
// query or a rejection naming the offending fragment. Never both.
type Result struct {
	Accepted bool
	SQL      string
	Kind     Kind
	Reason   string
	Fragment string
}

func accept(sqlText string) Result {
	return Result{Accepted: true, SQL: sqlText}
}

func reject(kind Kind, fragment, format string, args ...any) Result {
	return Result{Kind: kind, Reason: fmt.Sprintf(format, args...), Fragment: fragment}
}

// deniedKeywords are mutating, DDL, permission and procedural verbs that may
// never appear as a whole token anywhere in a candidate. Substring matches in
// identifiers (expected_delete_count) and string literals do not count.
var deniedKeywords = map[string]struct{}{
	"INSERT": {}, "UPDATE": {}, "DELETE": {}, "DROP": {}, "ALTER": {},
	"GRANT": {}, "REVOKE": {}, "TRUNCATE": {}, "CREATE": {}, "COPY": {},
	"INTO": {}, "CALL": {}, "EXEC": {}, "EXECUTE": {}, "MERGE": {},
	"VACUUM": {}, "DO": {},
}

// aggregateFuncs is the set checked by the nested-aggregate gate.
var aggregateFuncs = map[string]struct{}{
	"COUNT": {}, "SUM": {}, "AVG": {}, "MIN": {}, "MAX": {},
	"STDDEV": {}, "VARIANCE": {}, "STRING_AGG": {}, "ARRAY_AGG": {},
	"BOOL_AND": {}, "BOOL_OR": {},
}

// clauseKeywords terminate a table reference; an identifier matching one of
// these is never read as a table alias.
var clauseKeywords = map[string]struct{}{
	"WHERE": {}, "GROUP": {}, "ORDER": {}, "HAVING": {}, "LIMIT": {},
	"OFFSET": {}, "JOIN": {}, "INNER": {}, "LEFT": {}, "RIGHT": {},
	"FULL": {}, "CROSS": {}, "NATURAL": {}, "LATERAL": {}, "ON": {},
	"USING": {}, "UNION": {}, "EXCEPT": {}, "INTERSECT": {}, "WINDOW": {},
	"FETCH": {}, "FOR": {}, "AS": {}, "OUTER": {},
}

// Validate runs the four gates in order against a candidate query. The first
// failing gate determines the rejection; validation is pure and deterministic
// for a given snapshot.
func Validate(sqlText string, snapshot schema.Snapshot) Result {
	normalized := stripTrailingSemicolons(sqlText)
	if normalized == "" {
		return reject(KindNotReadOnly, "", "query is empty")
	}

	tokens, err := tokenize(normalized)
	if err != nil {
		return reject(KindNotReadOnly, "", "query is malformed: %v", err)
	}
	if len(tokens) == 0 {
		return reject(KindNotReadOnly, "", "query is empty")
	}

	if result := checkDenylist(tokens); !result.Accepted {
		return result
	}
	if result := checkStructure(tokens); !result.Accepted {
		return result
	}
	shape := analyze(tokens)
	if result := checkSchema(tokens, shape, snapshot); !result.Accepted {
		return result
	}
	if result := checkShape(tokens, shape); !result.Accepted {
		return result
	}
	return accept(normalized)
}

// Gate 1: lexical denylist over whole tokens.
func checkDenylist(tokens []token) Result {
	for _, tok := range tokens {
		keyword := tok.keyword()
		if keyword == "" {
			continue
		}
		if _, denied := deniedKeywords[keyword]; denied {
			return reject(KindDeniedKeyword, tok.Literal,
				"query contains forbidden keyword %s; only read-only operations are allowed", keyword)
		}
	}
	return accept("")
}

// Gate 2: a single statement whose outermost form is SELECT, or WITH whose
// final statement is SELECT.
func checkStructure(tokens []token) Result {
	for i, tok := range tokens {
		if tok.Type == tokenSemicolon && i < len(tokens)-1 {
			return reject(KindMultiStatement, ";",
				"multiple statements are not allowed")
		}
	}

	first := tokens[0].keyword()
	switch first {
	case "SELECT":
		return accept("")
	case "WITH":
		if result := checkWithForm(tokens); !result.Accepted {
			return result
		}
		return accept("")
	default:
		return reject(KindNotReadOnly, tokens[0].Literal,
			"query must start with SELECT or WITH, got %q", tokens[0].Literal)
	}
}

// checkWithForm walks the CTE list and requires the trailing statement to be
// a SELECT. RECURSIVE and column lists are tolerated.
func checkWithForm(tokens []token) Result {
	i := 1
	if i < len(tokens) && tokens[i].keyword() == "RECURSIVE" {
		i++
	}
	for {
		// CTE name
		if i >= len(tokens) || !tokens[i].isIdent() {
			return reject(KindNotReadOnly, "", "malformed WITH clause")
		}
		i++
		// optional column list
		if i < len(tokens) && tokens[i].Type == tokenLParen {
			i = skipParens(tokens, i)
		}
		if i >= len(tokens) || tokens[i].keyword() != "AS" {
			return reject(KindNotReadOnly, "", "malformed WITH clause: expected AS after CTE name")
		}
		i++
		// optional MATERIALIZED / NOT MATERIALIZED
		for i < len(tokens) && (tokens[i].keyword() == "MATERIALIZED" || tokens[i].keyword() == "NOT") {
			i++
		}
		if i >= len(tokens) || tokens[i].Type != tokenLParen {
			return reject(KindNotReadOnly, "", "malformed WITH clause: expected ( after AS")
		}
		i = skipParens(tokens, i)
		if i < len(tokens) && tokens[i].Type == tokenComma {
			i++
			continue
		}
		break
	}
	if i >= len(tokens) || tokens[i].keyword() != "SELECT" {
		fragment := ""
		if i < len(tokens) {
			fragment = tokens[i].Literal
		}
		return reject(KindNotReadOnly, fragment,
			"WITH clause must end in a SELECT statement")
	}
	return accept("")
}

// skipParens advances past a balanced parenthesis group starting at open.
func skipParens(tokens []token, open int) int {
	depth := 0
	for i := open; i < len(tokens); i++ {
		switch tokens[i].Type {
		case tokenLParen:
			depth++
		case tokenRParen:
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return len(tokens)
}

// tableRef is one entry in a FROM or JOIN clause.
type tableRef struct {
	table   string // empty for derived tables
	alias   string
	derived bool
}

// fromScope captures one FROM clause together with the paren depth it lives
// at, for the comma-join correlation check.
type fromScope struct {
	depth      int
	commaCount int
	hasWhere   bool
}

// queryShape is the flat structure the schema and shape gates share.
type queryShape struct {
	cteNames map[string]struct{}
	refs     []tableRef
	aliases  map[string]string // alias -> base table
	scopes   []fromScope
	// consumed marks token indices that belong to FROM/JOIN table references,
	// so the column-reference scan does not re-read them.
	consumed map[int]struct{}
}

// analyze extracts table references, aliases, CTE names and FROM-scope
// information from the token stream in a single pass.
func analyze(tokens []token) queryShape {
	shape := queryShape{
		cteNames: map[string]struct{}{},
		aliases:  map[string]string{},
		consumed: map[int]struct{}{},
	}
	if len(tokens) == 0 {
		return shape
	}

	if tokens[0].keyword() == "WITH" {
		collectCTENames(tokens, &shape)
	}

	depth := 0
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch tok.Type {
		case tokenLParen:
			depth++
			continue
		case tokenRParen:
			depth--
			continue
		}

		keyword := tok.keyword()
		if keyword == "WHERE" {
			for idx := range shape.scopes {
				if shape.scopes[idx].depth == depth {
					shape.scopes[idx].hasWhere = true
				}
			}
			continue
		}
		if keyword != "FROM" && keyword != "JOIN" {
			continue
		}

		if keyword == "FROM" {
			shape.scopes = append(shape.scopes, fromScope{depth: depth})
		}
		i = parseTableRefs(tokens, i+1, depth, keyword == "FROM", &shape) - 1
	}
	return shape
}

// collectCTENames registers names introduced by the WITH clause so they
// resolve as valid table references and shadow the live schema.
func collectCTENames(tokens []token, shape *queryShape) {
	i := 1
	if i < len(tokens) && tokens[i].keyword() == "RECURSIVE" {
		i++
	}
	for i < len(tokens) {
		if !tokens[i].isIdent() {
			return
		}
		shape.cteNames[strings.ToLower(tokens[i].Literal)] = struct{}{}
		i++
		if i < len(tokens) && tokens[i].Type == tokenLParen {
			i = skipParens(tokens, i)
		}
		if i >= len(tokens) || tokens[i].keyword() != "AS" {
			return
		}
		i++
		for i < len(tokens) && (tokens[i].keyword() == "MATERIALIZED" || tokens[i].keyword() == "NOT") {
			i++
		}
		if i >= len(tokens) || tokens[i].Type != tokenLParen {
			return
		}
		i = skipParens(tokens, i)
		if i < len(tokens) && tokens[i].Type == tokenComma {
			i++
			continue
		}
		return
	}
}

// mergeShape folds a derived-table body's analysis into the outer shape,
// shifting token indices and scope depths into the outer frame of reference.
func mergeShape(dst *queryShape, sub queryShape, offset, depthBase int) {
	dst.refs = append(dst.refs, sub.refs...)
	for alias, table := range sub.aliases {
		if _, exists := dst.aliases[alias]; !exists {
			dst.aliases[alias] = table
		}
	}
	for name := range sub.cteNames {
		dst.cteNames[name] = struct{}{}
	}
	for _, scope := range sub.scopes {
		scope.depth += depthBase
		dst.scopes = append(dst.scopes, scope)
	}
	for idx := range sub.consumed {
		dst.consumed[idx+offset] = struct{}{}
	}
}

// parseTableRefs reads the table list after FROM (comma separated) or the
// single table after JOIN, registering refs and aliases. Returns the index of
// the first token past the parsed references.
func parseTableRefs(tokens []token, start, depth int, allowCommas bool, shape *queryShape) int {
	i := start
	for {
		if i >= len(tokens) {
			return i
		}
		refStart := i
		if tokens[i].keyword() == "LATERAL" {
			i++
		}

		ref := tableRef{}
		switch {
		case i < len(tokens) && tokens[i].Type == tokenLParen:
			ref.derived = true
			open := i
			i = skipParens(tokens, i)
			mergeShape(shape, analyze(tokens[open+1:max(open+1, i-1)]), open+1, depth+1)
		case i < len(tokens) && tokens[i].isIdent():
			name := tokens[i].Literal
			i++
			// schema-qualified name: keep the table part
			if i+1 < len(tokens) && tokens[i].Type == tokenDot && tokens[i+1].isIdent() {
				name = tokens[i+1].Literal
				i += 2
			}
			// function call in FROM (generate_series(...)) is treated as derived
			if i < len(tokens) && tokens[i].Type == tokenLParen {
				ref.derived = true
				i = skipParens(tokens, i)
			} else {
				ref.table = name
			}
		default:
			return i
		}

		// optional alias
		if i < len(tokens) && tokens[i].keyword() == "AS" {
			i++
		}
		if i < len(tokens) && tokens[i].isIdent() {
			if _, isClause := clauseKeywords[tokens[i].keyword()]; !isClause {
				ref.alias = tokens[i].Literal
				i++
				// alias column list
				if i < len(tokens) && tokens[i].Type == tokenLParen {
					i = skipParens(tokens, i)
				}
			}
		}

		for idx := refStart; idx < i; idx++ {
			shape.consumed[idx] = struct{}{}
		}
		shape.refs = append(shape.refs, ref)
		if ref.alias != "" && ref.table != "" {
			shape.aliases[strings.ToLower(ref.alias)] = strings.ToLower(ref.table)
		}
		if ref.alias != "" && ref.derived {
			shape.aliases[strings.ToLower(ref.alias)] = ""
		}

		if allowCommas && i < len(tokens) && tokens[i].Type == tokenComma {
			if len(shape.scopes) > 0 {
				shape.scopes[len(shape.scopes)-1].commaCount++
			}
			i++
			continue
		}
		return i
	}
}

// Gate 3: every table reference and every qualified column reference must
// resolve against the snapshot (or a CTE / derived-table alias).
func checkSchema(tokens []token, shape queryShape, snapshot schema.Snapshot) Result {
	for _, ref := range shape.refs {
		if ref.derived || ref.table == "" {
			continue
		}
		lower := strings.ToLower(ref.table)
		if _, isCTE := shape.cteNames[lower]; isCTE {
			continue
		}
		if !snapshot.HasTable(ref.table) {
			return reject(KindUnknownIdentifier, ref.table,
				"unknown table %q", ref.table)
		}
	}

	// qualified column references: ident '.' ident
	for i := 0; i+2 < len(tokens); i++ {
		if !tokens[i].isIdent() || tokens[i+1].Type != tokenDot || !tokens[i+2].isIdent() {
			continue
		}
		if _, inRef := shape.consumed[i]; inRef {
			continue
		}
		// schema.table.column: the table.column pair is checked on its own
		if i+3 < len(tokens) && tokens[i+3].Type == tokenDot {
			continue
		}
		// qualified function call (pg_catalog.now(...))
		if i+3 < len(tokens) && tokens[i+3].Type == tokenLParen {
			continue
		}
		qualifier := tokens[i].Literal
		column := tokens[i+2].Literal
		lower := strings.ToLower(qualifier)

		if base, isAlias := shape.aliases[lower]; isAlias {
			if base == "" {
				continue // derived table alias, shape unknown
			}
			if _, isCTE := shape.cteNames[base]; isCTE {
				continue
			}
			if !snapshot.HasColumn(base, column) {
				return reject(KindUnknownIdentifier, qualifier+"."+column,
					"unknown column %q on table %q", column, base)
			}
			continue
		}
		if _, isCTE := shape.cteNames[lower]; isCTE {
			continue
		}
		if snapshot.HasTable(qualifier) {
			if !snapshot.HasColumn(qualifier, column) {
				return reject(KindUnknownIdentifier, qualifier+"."+column,
					"unknown column %q on table %q", column, qualifier)
			}
			continue
		}
		if referencesTable(shape, qualifier) {
			continue
		}
		return reject(KindUnknownIdentifier, qualifier,
			"unknown table or alias %q", qualifier)
	}
	return accept("")
}

// referencesTable reports whether the qualifier appears as a registered table
// reference, covering schema-qualified spellings like public.usertable.
func referencesTable(shape queryShape, qualifier string) bool {
	lower := strings.ToLower(qualifier)
	for _, ref := range shape.refs {
		if strings.ToLower(ref.table) == lower {
			return true
		}
	}
	return false
}

// Gate 4: shape heuristics against nested aggregates and joins that would
// produce runaway Cartesian products.
func checkShape(tokens []token, shape queryShape) Result {
	if result := checkNestedAggregates(tokens); !result.Accepted {
		return result
	}
	if result := checkJoinConditions(tokens); !result.Accepted {
		return result
	}
	return checkCommaJoins(shape)
}

// checkNestedAggregates rejects an aggregate call directly inside another
// aggregate's argument list. A scalar subquery opens a fresh scope, so
// SUM((SELECT COUNT(*) FROM t)) stays legal.
func checkNestedAggregates(tokens []token) Result {
	type frame struct {
		name  string
		depth int
	}
	var stack []frame
	depth := 0

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch tok.Type {
		case tokenLParen:
			depth++
			continue
		case tokenRParen:
			depth--
			for len(stack) > 0 && stack[len(stack)-1].depth > depth {
				stack = stack[:len(stack)-1]
			}
			continue
		}

		keyword := tok.keyword()
		if keyword == "SELECT" {
			// subquery scope: inner aggregates are independent
			stack = nil
			continue
		}
		if _, isAggregate := aggregateFuncs[keyword]; !isAggregate {
			continue
		}
		if i+1 >= len(tokens) || tokens[i+1].Type != tokenLParen {
			continue
		}
		if len(stack) > 0 {
			outer := stack[len(stack)-1].name
			return reject(KindNestedAggregate, fmt.Sprintf("%s(%s(...))", outer, tok.Literal),
				"aggregate %s is nested inside aggregate %s; use a CTE or subquery instead", keyword, outer)
		}
		stack = append(stack, frame{name: tok.Literal, depth: depth + 1})
	}
	return accept("")
}

// checkJoinConditions requires ON or USING after every JOIN that is not
// CROSS or NATURAL.
func checkJoinConditions(tokens []token) Result {
	for i := 0; i < len(tokens); i++ {
		if tokens[i].keyword() != "JOIN" {
			continue
		}
		if prev := previousKeyword(tokens, i); prev == "CROSS" || prev == "NATURAL" {
			continue
		}

		// scan forward for ON/USING before the next clause boundary
		found := false
		depth := 0
	scan:
		for j := i + 1; j < len(tokens); j++ {
			switch tokens[j].Type {
			case tokenLParen:
				depth++
				continue
			case tokenRParen:
				if depth == 0 {
					break scan
				}
				depth--
				continue
			}
			if depth > 0 {
				continue
			}
			switch tokens[j].keyword() {
			case "ON", "USING":
				found = true
				break scan
			case "JOIN", "WHERE", "GROUP", "ORDER", "HAVING", "LIMIT", "OFFSET", "UNION", "EXCEPT", "INTERSECT", "WINDOW":
				break scan
			}
		}
		if !found {
			return reject(KindMalformedJoin, "JOIN",
				"JOIN is missing an ON or USING condition")
		}
	}
	return accept("")
}

// checkCommaJoins rejects comma-separated multi-table FROM clauses with no
// WHERE clause in the same scope: an implicit cross join with no correlating
// predicate.
func checkCommaJoins(shape queryShape) Result {
	for _, scope := range shape.scopes {
		if scope.commaCount > 0 && !scope.hasWhere {
			return reject(KindMalformedJoin, ",",
				"comma-separated tables with no correlating WHERE clause form a Cartesian product")
		}
	}
	return accept("")
}

func previousKeyword(tokens []token, i int) string {
	if i == 0 {
		return ""
	}
	prev := tokens[i-1].keyword()
	if prev == "OUTER" && i >= 2 {
		return tokens[i-2].keyword()
	}
	return prev
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
