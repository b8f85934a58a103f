package directory

func (d *Directory) SetIdentitySource(newID func() string) {
	d.newID = newID
}
