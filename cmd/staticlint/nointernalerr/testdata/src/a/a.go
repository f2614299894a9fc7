package a

import (
	"errors"
	"net/http"
)

type failure struct{}

func (failure) Error() string { return "failure" }

func leaks(w http.ResponseWriter) {
	err := errors.New("open /var/lib/gram/uploads: permission denied")
	http.Error(w, err.Error(), http.StatusInternalServerError) // want "do not send err.Error\\(\\) to the client"

	var f failure
	http.Error(w, f.Error(), http.StatusBadRequest) // want "do not send err.Error\\(\\) to the client"
}

func fine(w http.ResponseWriter) {
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
}
