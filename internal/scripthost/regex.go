package scripthost

import (
	"regexp"

	lua "github.com/yuin/gopher-lua"
)

const regexTypeName = "regex.Pattern"

// registerRegex installs the regex global: a table with one function,
// compile(pattern) -> Pattern userdata. Grounded on the original system's
// regex module (regex.compile returning an object with is_match, find,
// and captures methods); Go's regexp.Regexp stands in for the source's
// regex::Regex.
func registerRegex(L *lua.LState) {
	mt := L.NewTypeMetatable(regexTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"is_match": regexIsMatch,
		"find":     regexFind,
		"captures": regexCaptures,
	}))

	module := L.NewTable()
	L.SetField(module, "compile", L.NewFunction(regexCompile))
	L.SetGlobal("regex", module)
}

func regexCompile(L *lua.LState) int {
	pattern := L.CheckString(1)

	re, err := regexp.Compile(pattern)
	if err != nil {
		L.RaiseError("regex.compile(%q): %v", pattern, err)
		return 0
	}

	ud := L.NewUserData()
	ud.Value = re
	L.SetMetatable(ud, L.GetTypeMetatable(regexTypeName))
	L.Push(ud)
	return 1
}

func checkPattern(L *lua.LState) *regexp.Regexp {
	ud := L.CheckUserData(1)
	re, ok := ud.Value.(*regexp.Regexp)
	if !ok {
		L.ArgError(1, "regex.Pattern expected")
		return nil
	}
	return re
}

func regexIsMatch(L *lua.LState) int {
	re := checkPattern(L)
	text := L.CheckString(2)
	L.Push(lua.LBool(re.MatchString(text)))
	return 1
}

// regexFind returns the first match as a string, or nil when there is none.
func regexFind(L *lua.LState) int {
	re := checkPattern(L)
	text := L.CheckString(2)

	match := re.FindString(text)
	if match == "" && !re.MatchString(text) {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(match))
	return 1
}

// regexCaptures returns a 1-indexed table where index 1 is the full match
// and subsequent indices are capture groups, or nil when there is no
// match. A non-participating optional group is represented as nil at its
// index, matching the source's behavior for unmatched groups.
func regexCaptures(L *lua.LState) int {
	re := checkPattern(L)
	text := L.CheckString(2)

	loc := re.FindStringSubmatchIndex(text)
	if loc == nil {
		L.Push(lua.LNil)
		return 1
	}

	matches := re.FindStringSubmatch(text)
	tbl := L.NewTable()
	for i, m := range matches {
		if loc[2*i] < 0 {
			tbl.RawSetInt(i+1, lua.LNil)
			continue
		}
		tbl.RawSetInt(i+1, lua.LString(m))
	}
	L.Push(tbl)
	return 1
}
