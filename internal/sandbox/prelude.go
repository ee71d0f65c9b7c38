package sandbox

import (
	"fmt"
	"strings"
)

// httpVerbs are the methods exposed under the http namespace. Each maps to a
// raw host function named _http_<verb>.
var httpVerbs = []string{"get", "post", "put", "patch", "delete"}

const preludeTail = `const llm = {
  truncate: function(text, length) { return _llm_truncate(text, length); }
};
const index = {
  search: function(query, options) { return _index_search(query, options); }
};
const upload = {
  create: function(filename, base64Content) { return _upload_create(filename, base64Content); }
};
const chain = {
  setCustomRaw: function(raw) { return _chain_set_custom_raw(raw); }
};
function details() { return ""; }
`

// prelude returns the script evaluated before every tool script. It wraps the
// raw host functions in namespaced bindings and defines a default details().
func prelude() string {
	var b strings.Builder
	b.WriteString("const http = {\n")
	for _, verb := range httpVerbs {
		fmt.Fprintf(&b, "  %s: function(url, options) { return _http_%s(url, options); },\n", verb, verb)
	}
	b.WriteString("};\n")
	b.WriteString(preludeTail)
	return b.String()
}
