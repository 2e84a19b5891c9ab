package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"allowed imports kept", "import pandas as pd\nimport plotly.express as px\nfrom plotly.subplots import make_subplots",
			"import pandas as pd\nimport plotly.express as px\nfrom plotly.subplots import make_subplots"},
		{"multi import", "import numpy as np, math", "import numpy as np, math"},
		{"multi import with bad module", "import numpy, os", "pass  # removed disallowed import: import numpy, os"},
		{"disallowed import", "import os", "pass  # removed disallowed import: import os"},
		{"disallowed from import", "from subprocess import run", "pass  # removed disallowed import: from subprocess import run"},
		{"relative import", "from . import x", "pass  # removed disallowed import: from . import x"},
		{"indentation kept", "if True:\n    import sys\n    x = 1",
			"if True:\n    pass  # removed disallowed import: import sys\n    x = 1"},
		{"eval", "x = eval('1+1')", "pass  # removed unsafe call: x = eval('1+1')"},
		{"open", "data = open('/etc/passwd').read()", "pass  # removed unsafe call: data = open('/etc/passwd').read()"},
		{"dunder import", "m = __import__('os')", "pass  # removed unsafe call: m = __import__('os')"},
		{"os.system", "os.system('ls')", "pass  # removed unsafe call: os.system('ls')"},
		{"comments and blanks untouched", "# import os\n\nfig = 1", "# import os\n\nfig = 1"},
		{"crlf normalized", "x = 1\r\nfig = 2", "x = 1\nfig = 2"},
		{"regular code", "fig = px.bar(df, x='a', y='b')\nfig.update_layout(title='t')",
			"fig = px.bar(df, x='a', y='b')\nfig.update_layout(title='t')"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestModuleAllowed(t *testing.T) {
	for _, m := range []string{"pandas", "numpy", "plotly", "plotly.express", "plotly.io", "datetime", "re", "math", "json"} {
		assert.True(t, ModuleAllowed(m), m)
	}
	for _, m := range []string{"os", "sys", "subprocess", "socket", "requests", "", ".", ".pandas", "pandasx"} {
		assert.False(t, ModuleAllowed(m), m)
	}
}
