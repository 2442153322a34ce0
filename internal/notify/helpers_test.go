package notify

import (
	"encoding/json"
	"net/http"
)

func httpmockJSON(req *http.Request, v any) error {
	defer req.Body.Close()
	return json.NewDecoder(req.Body).Decode(v)
}
