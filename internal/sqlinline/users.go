package sqlinline

const QInsertUser = `--sql 809b784f-da5e-4fe2-a86c-78a105af80a4
insert into users (id, username, password_hash, created_at)
values ($1::uuid, $2::text, $3::text, now())
on conflict (username) do nothing
returning created_at;
`

const QSelectUserByUsername = `--sql f12c7ce3-a9ea-4f5f-ad45-788f2bf31da6
select id, username, password_hash, created_at
from users
where username = $1::text
limit 1;
`

const QSelectUserByID = `--sql 85d28e2d-eb00-4618-8274-d9e4161e9d8e
select id, username, password_hash, created_at
from users
where id = $1::uuid
limit 1;
`
